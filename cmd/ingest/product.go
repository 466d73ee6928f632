package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/product-ingest/internal/bootstrap"
)

var getCmd = &cobra.Command{
	Use:   "get [product-id]",
	Short: "Show a stored product",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			doc, err := app.Gateway.Document(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), doc)
			}
			cmd.Printf("Product ID: %s\n", doc.ProductID)
			cmd.Printf("Name: %s\n", doc.Name)
			if doc.Price != nil {
				cmd.Printf("Price: %g\n", *doc.Price)
			}
			cmd.Printf("Image: %s\n", doc.ImagePath)
			cmd.Printf("Embeddings: text %d, image %d\n", len(doc.TextEmbedding), len(doc.ImageEmbedding))
			cmd.Printf("Updated: %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
			cmd.Println()
			cmd.Println(doc.TextContent)
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [product-id]",
	Short: "Delete a stored product and its images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
			if err := app.Gateway.DeleteProduct(ctx, args[0]); err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			cmd.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(getCmd, deleteCmd)
}
