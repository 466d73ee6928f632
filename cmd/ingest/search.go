package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/product-ingest/internal/bootstrap"
	"github.com/user/product-ingest/internal/search"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search ingested products",
	Long: `Embeds the query for both the text and the image vector space, finds the nearest
products in each and merges the two rankings with reciprocal rank fusion.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
		results, err := app.Search.Search(ctx, query, searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if jsonOutput {
			for i := range results {
				results[i].Document.TextEmbedding = nil
				results[i].Document.ImageEmbedding = nil
			}
			return printJSON(cmd.OutOrStdout(), results)
		}
		printSearchResults(cmd, results)
		return nil
	})
}

func printSearchResults(cmd *cobra.Command, results []search.Result) {
	if len(results) == 0 {
		cmd.Println("No results found.")
		return
	}
	cmd.Println("Results:")
	cmd.Println()
	for i, r := range results {
		title := r.Document.Name
		if title == "" {
			title = r.Document.ProductID
		}
		cmd.Printf("  [%d] %s (%.4f)\n", i+1, title, r.Score)
		cmd.Printf("      id: %s  text rank: %s  image rank: %s\n", r.Document.ProductID, rank(r.TextRank), rank(r.ImageRank))
		if r.Document.ImagePath != "" {
			cmd.Printf("      %s\n", r.Document.ImagePath)
		}
	}
}

func rank(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
