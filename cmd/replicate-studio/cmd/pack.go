package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-replicate-studio/index"
	"go-replicate-studio/internal/blob"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/imagepack"
	"go-replicate-studio/internal/models"
)

var packCmd = &cobra.Command{
	Use:   "pack",
	Short: "Export, import and share image packs",
	Long: `An image pack is a zip holding one image, the request that produced it as
request.json and any source or mask images. Packs never expire; packs not
marked as favorite are removed by 'pack clean'.`,
}

// indexPack adds a pack entry to the prompt index.
func (e *studioEnv) indexPack(entry models.ImagePackEntry) {
	item := index.Item{
		ID:          entry.ID,
		Type:        "pack",
		Prompt:      entry.Request.Prompt,
		Model:       entry.Request.Model,
		Seed:        entry.Request.Seed,
		AspectRatio: entry.Request.AspectRatio,
		CreatedAt:   entry.CreatedAt,
	}
	if err := index.IndexItem(e.index, item); err != nil {
		log.WithError(err).Warn("Failed to index image pack")
	}
}

func packPath(dir string, entry models.ImagePackEntry) string {
	if dir == "" {
		dir = filepath.Join(globalConfig.SavePath, "packs")
	}
	return filepath.Join(dir, entry.ID+".zip")
}

var packExportCmd = &cobra.Command{
	Use:   "export [image-id]",
	Short: "Bundle a generated image and its request into a pack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		favorite, _ := cmd.Flags().GetBool("favorite")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		img, err := env.findImage(args[0])
		if err != nil {
			return err
		}
		data, contentType, err := imageBytes(cmd.Context(), img)
		if err != nil {
			return err
		}
		entry, err := imagepack.NewEntry(img, data, contentType)
		if err != nil {
			return err
		}
		entry.Favorite = favorite
		if err := env.store.PutPack(entry); err != nil {
			return err
		}
		env.indexPack(entry)

		path := packPath(dir, entry)
		if err := imagepack.WriteFile(path, entry); err != nil {
			return err
		}
		fmt.Printf("Exported pack %s to %s\n", entry.ID, path)
		return nil
	},
}

var packWriteCmd = &cobra.Command{
	Use:   "write [pack-id]",
	Short: "Write a stored pack to a zip file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.store.GetPack(args[0])
		if err != nil {
			return fmt.Errorf("pack %s: %w", args[0], err)
		}
		path := packPath(dir, entry)
		if err := imagepack.WriteFile(path, entry); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var packImportCmd = &cobra.Command{
	Use:   "import [zip...]",
	Short: "Import image packs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		favorite, _ := cmd.Flags().GetBool("favorite")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		var failed int
		for _, path := range args {
			entry, err := imagepack.ReadFile(path)
			if err != nil {
				log.WithError(err).Errorf("Could not import %s", path)
				failed++
				continue
			}
			entry.Favorite = favorite
			if err := env.store.PutPack(entry); err != nil {
				return err
			}
			env.indexPack(entry)
			fmt.Printf("Imported %s as pack %s\n", filepath.Base(path), entry.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d pack(s) could not be imported", failed, len(args))
		}
		return nil
	},
}

var packListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored image packs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.store.Packs()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No image packs stored.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFAV\tMODEL\tIMAGE\tPROMPT")
		for _, entry := range entries {
			fav := ""
			if entry.Favorite {
				fav = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", entry.ID, fav, entry.Request.Model, entry.ImageName,
				helpers.TruncateSlug(entry.Request.Prompt, 40))
		}
		return w.Flush()
	},
}

var packFavoriteCmd = &cobra.Command{
	Use:   "favorite [pack-id]",
	Short: "Mark a pack as favorite so 'pack clean' keeps it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, _ := cmd.Flags().GetBool("off")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.store.SetPackFavorite(args[0], !off); err != nil {
			return fmt.Errorf("pack %s: %w", args[0], err)
		}
		fmt.Printf("Pack %s favorite: %t\n", args[0], !off)
		return nil
	},
}

var packDeleteCmd = &cobra.Command{
	Use:   "delete [pack-id...]",
	Short: "Delete stored packs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			if err := env.store.DeletePack(id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
		}
		env.unindex(args)
		fmt.Printf("Deleted %d pack(s).\n", len(args))
		return nil
	},
}

var packCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete every pack not marked as favorite",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.store.Packs()
		if err != nil {
			return err
		}
		n, err := env.store.ClearSessionPacks()
		if err != nil {
			return err
		}
		var ids []string
		for _, entry := range entries {
			if !entry.Favorite {
				ids = append(ids, entry.ID)
			}
		}
		env.unindex(ids)
		fmt.Printf("Removed %d pack(s).\n", n)
		return nil
	},
}

var packUploadCmd = &cobra.Command{
	Use:   "upload [pack-id]",
	Short: "Upload a stored pack to the configured S3 bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctx := cmd.Context()

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		entry, err := env.store.GetPack(args[0])
		if err != nil {
			return fmt.Errorf("pack %s: %w", args[0], err)
		}
		uploader, err := blob.NewUploader(ctx, globalConfig)
		if err != nil {
			return err
		}
		if !force {
			exists, err := uploader.Exists(ctx, entry.ID)
			if err != nil {
				return err
			}
			if exists {
				fmt.Printf("Pack %s already uploaded: %s\n", entry.ID, uploader.PublicURL(blob.ObjectKey(entry.ID)))
				return nil
			}
		}

		var buf bytes.Buffer
		if err := imagepack.Export(&buf, entry); err != nil {
			return err
		}
		location, err := uploader.UploadPack(ctx, entry.ID, buf.Bytes())
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded pack %s: %s\n", entry.ID, location)
		return nil
	},
}

var packFetchCmd = &cobra.Command{
	Use:   "fetch [pack-id...]",
	Short: "Download packs from the S3 bucket into the local store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		uploader, err := blob.NewUploader(ctx, globalConfig)
		if err != nil {
			return err
		}
		for _, id := range args {
			zipped, err := uploader.DownloadPack(ctx, id)
			if err != nil {
				return err
			}
			entry, err := imagepack.Import(bytes.NewReader(zipped), int64(len(zipped)))
			if err != nil {
				return fmt.Errorf("pack %s: %w", id, err)
			}
			if entry.ID != id {
				log.Warnf("Pack %s has digest %s; stored under the digest", id, entry.ID)
			}
			if err := env.store.PutPack(entry); err != nil {
				return err
			}
			env.indexPack(entry)
			fmt.Printf("Fetched pack %s\n", entry.ID)
		}
		return nil
	},
}

var packRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List packs in the S3 bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		uploader, err := blob.NewUploader(ctx, globalConfig)
		if err != nil {
			return err
		}
		ids, err := uploader.ListPacks(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No packs uploaded.")
			return nil
		}
		for _, id := range ids {
			fmt.Printf("%s\t%s\n", id, uploader.PublicURL(blob.ObjectKey(id)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.AddCommand(packExportCmd, packWriteCmd, packImportCmd, packListCmd, packFavoriteCmd,
		packDeleteCmd, packCleanCmd, packUploadCmd, packFetchCmd, packRemoteCmd)

	packExportCmd.Flags().String("dir", "", "Directory for the zip (default [SavePath]/packs)")
	packExportCmd.Flags().Bool("favorite", false, "Mark the new pack as favorite")
	packWriteCmd.Flags().String("dir", "", "Directory for the zip (default [SavePath]/packs)")
	packImportCmd.Flags().Bool("favorite", false, "Mark imported packs as favorite")
	packFavoriteCmd.Flags().Bool("off", false, "Remove the favorite mark")
	packUploadCmd.Flags().Bool("force", false, "Upload even if the pack already exists remotely")
}
