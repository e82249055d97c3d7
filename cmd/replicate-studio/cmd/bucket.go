package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-replicate-studio/index"
	"go-replicate-studio/internal/helpers"
)

var bucketCmd = &cobra.Command{
	Use:   "bucket",
	Short: "Keep favourite images beyond the retention window",
}

var bucketAddCmd = &cobra.Command{
	Use:   "add [image-id...]",
	Short: "Copy generated images into the bucket",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			img, err := env.store.GetImage(id)
			if err != nil {
				return fmt.Errorf("image %s: %w", id, err)
			}
			item, err := env.store.AddToBucket(img)
			if err != nil {
				return err
			}
			indexed := index.ItemFromImage(item.Image, "bucket")
			indexed.ID = item.ID
			if err := index.IndexItem(env.index, indexed); err != nil {
				log.WithError(err).Warn("Failed to index bucket item")
			}
			fmt.Printf("Added %s to the bucket as %s\n", id, item.ID)
		}
		return nil
	},
}

var bucketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bucket items, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.store.Bucket()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("The bucket is empty.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tIMAGE\tMODEL\tADDED\tPROMPT")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", item.ID, item.Image.ID, item.Image.Model,
				item.AddedAt.Local().Format("2006-01-02 15:04"), helpers.TruncateSlug(item.Image.Prompt, 40))
		}
		return w.Flush()
	},
}

var bucketRemoveCmd = &cobra.Command{
	Use:   "remove [bucket-id...]",
	Short: "Remove items from the bucket",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		for _, id := range args {
			if err := env.store.RemoveFromBucket(id); err != nil {
				return fmt.Errorf("removing %s: %w", id, err)
			}
		}
		env.unindex(args)
		fmt.Printf("Removed %d item(s).\n", len(args))
		return nil
	},
}

var bucketClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.store.Bucket()
		if err != nil {
			return err
		}
		n, err := env.store.ClearBucket()
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		env.unindex(ids)
		fmt.Printf("Removed %d item(s).\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bucketCmd)
	bucketCmd.AddCommand(bucketAddCmd, bucketListCmd, bucketRemoveCmd, bucketClearCmd)
}
