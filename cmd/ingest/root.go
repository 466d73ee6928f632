package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/bootstrap"
	"github.com/user/product-ingest/internal/config"
	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/pipeline"
	"github.com/user/product-ingest/pkg/logger"
)

var (
	envFile    string
	jsonOutput bool
	memoryMode bool
	logLevel   string

	ingestURL       string
	ingestFile      string
	ingestWorkers   int
	ingestProductID string
)

var rootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest product pages into the catalog",
	Long: `Fetches product pages, extracts structured product data with a generative model,
normalises product images, computes text and image embeddings and stores the result
in the document and object stores.

Pass a single page with --url or a file of URLs (one per line, # comments allowed) with --file.`,
	SilenceUsage: true,
	RunE:         runIngest,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "env file to load before the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVar(&memoryMode, "memory", false, "keep documents and images in memory instead of the cloud stores")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.Flags().StringVar(&ingestURL, "url", "", "single product page to ingest")
	rootCmd.Flags().StringVar(&ingestFile, "file", "", "file with product page URLs")
	rootCmd.Flags().IntVarP(&ingestWorkers, "workers", "w", 0, "concurrent tasks (default MAX_WORKERS)")
	rootCmd.Flags().StringVar(&ingestProductID, "product-id", "", "product id for --url (derived from the URL when empty)")
	rootCmd.MarkFlagsMutuallyExclusive("url", "file")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	tasks, err := collectTasks()
	if err != nil {
		return err
	}

	return withApp(cmd.Context(), func(ctx context.Context, app *bootstrap.App) error {
		batch := app.Orchestrator.RunBatch(ctx, tasks)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), batch)
		}
		if len(batch.Results) == 1 {
			printTaskSummary(cmd.OutOrStdout(), batch.Results[0])
		} else {
			printBatchSummary(cmd.OutOrStdout(), batch)
		}
		// Failed tasks are reported above; only setup errors change the exit code.
		return nil
	})
}

// collectTasks turns --url or --file into ingestion tasks.
func collectTasks() ([]domain.IngestionTask, error) {
	switch {
	case ingestURL != "":
		return []domain.IngestionTask{{URL: ingestURL, ProductID: ingestProductID}}, nil
	case ingestFile != "":
		urls, err := pipeline.ReadURLFile(ingestFile)
		if err != nil {
			return nil, err
		}
		if len(urls) == 0 {
			return nil, fmt.Errorf("%w: no valid URLs found in %s", domain.ErrInvalidInput, ingestFile)
		}
		return pipeline.Tasks(urls), nil
	default:
		return nil, errors.New("either --url or --file is required")
	}
}

// withApp loads configuration, assembles the application and runs fn.
func withApp(ctx context.Context, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	app, err := bootstrap.New(ctx, cfg, log, bootstrap.Options{Memory: memoryMode})
	if err != nil {
		log.Error("failed to initialise", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("failed to release clients", zap.Error(err))
		}
	}()
	return fn(ctx, app)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if ingestWorkers > 0 {
		cfg.MaxWorkers = ingestWorkers
	}
	if memoryMode {
		cfg.UseMemoryStores()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printTaskSummary(w io.Writer, r domain.TaskResult) {
	fmt.Fprintln(w, "\n=== Processing Result ===")
	fmt.Fprintf(w, "Status: %s\n", r.State)
	fmt.Fprintf(w, "Product ID: %s\n", r.ProductID)
	fmt.Fprintf(w, "Duration: %dms\n", r.DurationMS)
	if !r.Succeeded() {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
		return
	}
	fmt.Fprintf(w, "Images processed: %d/%d\n", r.ProcessedImages, r.ImageCount)
	fmt.Fprintf(w, "Text embedding: %s\n", mark(r.TextDims > 0))
	fmt.Fprintf(w, "Image embedding: %s\n", mark(r.ImageDims > 0))
	if r.ImagePath != "" {
		fmt.Fprintf(w, "Image: %s\n", r.ImagePath)
	}
}

func printBatchSummary(w io.Writer, b *domain.BatchResult) {
	fmt.Fprintln(w, "\n=== Batch Processing Result ===")
	fmt.Fprintf(w, "Batch ID: %s\n", b.BatchID)
	fmt.Fprintf(w, "Total URLs: %d\n", b.TotalURLs)
	fmt.Fprintf(w, "Successful: %d\n", b.SuccessCount)
	fmt.Fprintf(w, "Failed: %d\n", b.FailureCount)
	fmt.Fprintf(w, "Success Rate: %.2f%%\n", b.SuccessRate*100)
	fmt.Fprintf(w, "Total Duration: %dms\n", b.TotalDurationMS)
	for _, r := range b.Results {
		fmt.Fprintf(w, "  %-9s %s %s (%dms)\n", r.State, r.ProductID, r.URL, r.DurationMS)
		if !r.Succeeded() {
			fmt.Fprintf(w, "            %s\n", r.Error)
		}
	}
}

func mark(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
