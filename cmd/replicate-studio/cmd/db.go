package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"go-replicate-studio/index"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/telemetry"
)

// dbCmd represents the base command for store operations
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the local store and the telemetry database",
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many records each collection holds",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		images, bucket, packs, err := env.store.Counts()
		if err != nil {
			return err
		}
		docs, err := env.index.DocCount()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Collection\tRecords")
		fmt.Fprintln(tw, "----------\t-------")
		fmt.Fprintf(tw, "images\t%d\n", images)
		fmt.Fprintf(tw, "bucket\t%d\n", bucket)
		fmt.Fprintf(tw, "packs\t%d\n", packs)
		fmt.Fprintf(tw, "keys (total)\t%d\n", env.db.Len())
		fmt.Fprintf(tw, "index documents\t%d\n", docs)
		fmt.Fprintf(tw, "retention\t%s\n", env.store.Retention())
		return tw.Flush()
	},
}

var dbCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim disk space left behind by deletes",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.store.Compact(); err != nil {
			return err
		}
		fmt.Println("Store compacted.")
		return nil
	},
}

var dbReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the prompt index from the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := index.DeleteIndex(globalConfig.BleveIndexPath); err != nil {
			return fmt.Errorf("error deleting index: %w", err)
		}
		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		images, err := env.store.Images()
		if err != nil {
			return err
		}
		for _, img := range images {
			if err := index.IndexImage(env.index, img); err != nil {
				return err
			}
		}
		items, err := env.store.Bucket()
		if err != nil {
			return err
		}
		for _, item := range items {
			indexed := index.ItemFromImage(item.Image, "bucket")
			indexed.ID = item.ID
			if err := index.IndexItem(env.index, indexed); err != nil {
				return err
			}
		}
		packs, err := env.store.Packs()
		if err != nil {
			return err
		}
		for _, entry := range packs {
			env.indexPack(entry)
		}
		fmt.Printf("Indexed %d image(s), %d bucket item(s), %d pack(s).\n", len(images), len(items), len(packs))
		return nil
	},
}

var dbTelemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Show the newest job telemetry records stored by the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if _, err := os.Stat(globalConfig.TelemetryDBPath); err != nil {
			return fmt.Errorf("no telemetry database at %s: %w", globalConfig.TelemetryDBPath, err)
		}
		store, err := telemetry.OpenStore(globalConfig.TelemetryDBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		records, err := store.Recent(ctx, limit)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No telemetry records.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "Submitted\tProvider\tStatus\tDuration\tCancelled\tErrors\tPrompt")
		fmt.Fprintln(tw, "---------\t--------\t------\t--------\t---------\t------\t------")
		for _, rec := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
				rec.SubmittedAt.Local().Format("2006-01-02 15:04:05"),
				rec.Provider,
				rec.FinalStatus,
				(time.Duration(rec.DurationMs) * time.Millisecond).String(),
				rec.CancelledByUser,
				strings.Join(rec.Errors, "; "),
				helpers.TruncateSlug(rec.Request.Prompt, 30))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbStatsCmd, dbCompactCmd, dbReindexCmd, dbTelemetryCmd)

	dbTelemetryCmd.Flags().IntP("limit", "l", 20, "Number of records to show")
}
