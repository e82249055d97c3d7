package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-replicate-studio/index"
	"go-replicate-studio/internal/downloader"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/imageops"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/poller"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Manage generated images in the local store",
	Long: `Generated images live in the local store until the retention window passes.
Add an image to the bucket or export it as a pack to keep it.`,
}

var imagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live generated images, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		images, err := env.store.Images()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			if images == nil {
				images = []models.GeneratedImage{}
			}
			out, err := json.MarshalIndent(images, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		if len(images) == 0 {
			fmt.Println("No images in the store.")
			return nil
		}
		printImageTable(images, env.store.Retention())
		return nil
	},
}

func printImageTable(images []models.GeneratedImage, retention time.Duration) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tSEED\tEXPIRES IN\tORIGIN\tPROMPT")
	fmt.Fprintln(w, "--\t-----\t----\t----------\t------\t------")
	for _, img := range images {
		origin := ""
		switch {
		case img.CroppedFrom != "":
			origin = "crop of " + img.CroppedFrom
		case img.UpscaledFrom != "":
			origin = "upscale of " + img.UpscaledFrom
		}
		left := time.Until(img.CreatedAt.Add(retention)).Round(time.Minute)
		if left < 0 {
			left = 0
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", img.ID, img.Model, img.Seed, left, origin, helpers.TruncateSlug(img.Prompt, 40))
	}
	w.Flush()
}

var imagesDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Delete generated images",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			if err := env.store.DeleteImage(id); err != nil {
				return fmt.Errorf("deleting %s: %w", id, err)
			}
		}
		env.unindex(args)
		fmt.Printf("Deleted %d image(s).\n", len(args))
		return nil
	},
}

var imagesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every generated image (the bucket is kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		images, err := env.store.Images()
		if err != nil {
			return err
		}
		n, err := env.store.ClearImages()
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(images))
		for _, img := range images {
			ids = append(ids, img.ID)
		}
		env.unindex(ids)
		fmt.Printf("Cleared %d image(s).\n", n)
		return nil
	},
}

var imagesCropCmd = &cobra.Command{
	Use:   "crop [id]",
	Short: "Crop an image into a new record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rectFlag, _ := cmd.Flags().GetString("rect")
		aspectFlag, _ := cmd.Flags().GetString("aspect")
		if (rectFlag == "") == (aspectFlag == "") {
			return errors.New("exactly one of --rect or --aspect is required")
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.findImage(args[0])
		if err != nil {
			return err
		}
		data, _, err := imageBytes(cmd.Context(), src)
		if err != nil {
			return err
		}

		var rect imageops.Rect
		if rectFlag != "" {
			rect, err = imageops.ParseRect(rectFlag)
		} else {
			decoded, _, decodeErr := imageops.Decode(data)
			if decodeErr != nil {
				return decodeErr
			}
			rect, err = imageops.CenterAspect(decoded.Bounds(), aspectFlag)
		}
		if err != nil {
			return err
		}

		now := time.Now()
		cropped, err := imageops.CropImage(src, data, rect, env.store.NewTimestampID(now), now)
		if err != nil {
			return err
		}
		if err := env.store.PutImage(cropped); err != nil {
			return err
		}
		if err := index.IndexImage(env.index, cropped); err != nil {
			log.WithError(err).Warn("Failed to index cropped image")
		}
		printImages([]models.GeneratedImage{cropped})
		return nil
	},
}

var imagesUpscaleCmd = &cobra.Command{
	Use:   "upscale [id]",
	Short: "Upscale an image with Real-ESRGAN into a new record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scale, _ := cmd.Flags().GetInt("scale")
		faceEnhance, _ := cmd.Flags().GetBool("face-enhance")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.findImage(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		runner, cleanup, err := newRunner(ctx, env)
		if err != nil {
			return err
		}
		defer cleanup()

		jobCtx, stopSignals := interruptContext(ctx, runner)
		defer stopSignals()

		progress := newProgressPrinter()
		job, err := runner.Upscale(jobCtx, src, scale, faceEnhance, progress.Update)
		if err != nil {
			progress.Stop()
			return submitErr(err)
		}
		res := job.Wait()
		stopSignals()
		progress.Stop()

		if errors.Is(res.Err, poller.ErrCanceled) {
			fmt.Println("Cancelled.")
			return nil
		}
		printImages(res.Images)
		return resultErr(res)
	},
}

var imagesSaveCmd = &cobra.Command{
	Use:   "save [id...]",
	Short: "Save images to disk",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = filepath.Join(globalConfig.SavePath, "outputs")
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		var failed int
		for _, id := range args {
			img, err := env.findImage(id)
			if err != nil {
				log.WithError(err).Errorf("Image %s not found", id)
				failed++
				continue
			}
			path, err := saveImage(cmd.Context(), img, dir)
			if err != nil {
				log.WithError(err).Errorf("Failed to save %s", id)
				failed++
				continue
			}
			fmt.Printf("Saved %s\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d image(s) could not be saved", failed, len(args))
		}
		return nil
	},
}

// saveImage writes img under dir as <prompt-slug>-<id><ext>.
func saveImage(ctx context.Context, img models.GeneratedImage, dir string) (string, error) {
	base := helpers.TruncateSlug(img.Prompt, 60)
	if base == "" {
		base = "image"
	}
	base += "-" + img.ID

	if img.Data == "" && img.URL != "" {
		ext := downloader.ExtensionFromURL(img.URL)
		if ext == "" {
			ext = ".png"
		}
		return downloader.NewDownloader(apiHttpClient()).SaveFile(ctx, img.URL, filepath.Join(dir, base+ext))
	}
	data, contentType, err := imageBytes(ctx, img)
	if err != nil {
		return "", err
	}
	if !helpers.CheckAndMakeDir(dir) {
		return "", fmt.Errorf("could not create %s", dir)
	}
	path := filepath.Join(dir, base+downloader.ExtensionFor(contentType))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func init() {
	rootCmd.AddCommand(imagesCmd)
	imagesCmd.AddCommand(imagesListCmd, imagesDeleteCmd, imagesClearCmd, imagesCropCmd, imagesUpscaleCmd, imagesSaveCmd)

	imagesListCmd.Flags().Bool("json", false, "Print records as JSON")
	imagesCropCmd.Flags().String("rect", "", "Crop rectangle as x,y,width,height")
	imagesCropCmd.Flags().String("aspect", "", "Largest centred crop with this aspect, e.g. 16:9")
	imagesUpscaleCmd.Flags().Int("scale", 2, "Upscale factor (2 or 4)")
	imagesUpscaleCmd.Flags().Bool("face-enhance", false, "Run face enhancement")
	imagesSaveCmd.Flags().String("dir", "", "Target directory (default [SavePath]/outputs)")
}
