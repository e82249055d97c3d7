package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go-replicate-studio/index"
)

// Variable shared by the search flags
var searchQuery string

// searchCmd searches the prompt index.
var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search prompts of generated images, bucket items and packs",
	Long: `Performs a search against the Bleve prompt index.

Supports Bleve's query string syntax. Indexed fields (JSON names):
  - id (string): Image, bucket or pack id
  - type (string): "image", "bucket" or "pack"
  - prompt (string): Generation prompt
  - negativePrompt (string): Negative prompt
  - model (string): Provider id, e.g. flux-dev
  - seed (number): Seed used
  - aspectRatio (string): Requested aspect ratio

With --similar the argument is free text and the closest prompts are returned.`,
	Example: `  replicate-studio search -q "lighthouse"
  replicate-studio search -q "+model:sdxl +prompt:harbour"
  replicate-studio search --similar "foggy harbour at dawn"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		similar, _ := cmd.Flags().GetString("similar")
		limit, _ := cmd.Flags().GetInt("limit")
		if (searchQuery == "") == (similar == "") {
			return errors.New("exactly one of --query or --similar is required")
		}

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		var hits []index.Hit
		if similar != "" {
			hits, err = index.SimilarPrompts(cmd.Context(), env.index, similar, limit)
		} else {
			hits, err = index.SearchIndex(cmd.Context(), env.index, searchQuery, limit)
		}
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tTYPE\tID\tMODEL\tSEED\tPROMPT")
		for _, hit := range hits {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%d\t%s\n", hit.Score, hit.Type, hit.ID, hit.Model, hit.Seed, hit.Prompt)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "Search query (uses Bleve query string syntax)")
	searchCmd.Flags().String("similar", "", "Find prompts similar to this text")
	searchCmd.Flags().IntP("limit", "l", 20, "Maximum number of results")
}
