package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/poller"
)

var inspireCmd = &cobra.Command{
	Use:   "inspire [idea]",
	Short: "Ask a language model for a detailed image prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		runner, cleanup, err := newRunner(ctx, nil)
		if err != nil {
			return err
		}
		defer cleanup()

		jobCtx, stopSignals := interruptContext(ctx, runner)
		defer stopSignals()

		progress := newProgressPrinter()
		job, err := runner.Inspire(jobCtx, strings.Join(args, " "), progress.Update)
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
		if err := resultErr(res); err != nil {
			return err
		}
		fmt.Println(res.Text)
		return nil
	},
}

var referencesCmd = &cobra.Command{
	Use:   "references [query]",
	Short: "Search Pexels for reference photos to use as --source",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		base, cleanup, err := proxyBaseURL(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		perPage, _ := cmd.Flags().GetInt("per-page")
		client := api.NewClient(base, globalConfig.ApiKey, apiHttpClient())
		photos, err := client.SearchReferences(ctx, strings.Join(args, " "), perPage)
		if err != nil {
			return err
		}
		if len(photos) == 0 {
			fmt.Println("No reference photos found.")
			return nil
		}
		for _, p := range photos {
			fmt.Printf("%d\t%dx%d\t%s\t%s\n", p.ID, p.Width, p.Height, p.Photographer, p.Src.Large)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspireCmd)
	rootCmd.AddCommand(referencesCmd)
	referencesCmd.Flags().Int("per-page", 12, "Number of photos to return (max 80)")
}
