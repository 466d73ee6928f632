// Package bootstrap wires configuration into the ingestion, storage and
// search components shared by the CLI and the API server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/api"
	"github.com/user/product-ingest/internal/config"
	"github.com/user/product-ingest/internal/crawler"
	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/embedding"
	"github.com/user/product-ingest/internal/imageproc"
	"github.com/user/product-ingest/internal/llm"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/pipeline"
	"github.com/user/product-ingest/internal/search"
	"github.com/user/product-ingest/internal/storage"
)

// Options select how the application is assembled.
type Options struct {
	// Memory keeps documents and objects in process memory.
	Memory bool
	// Registerer receives the metrics; prometheus.DefaultRegisterer when nil.
	Registerer prometheus.Registerer
}

// App is the assembled application.
type App struct {
	Config       *config.Config
	Metrics      *monitoring.Metrics
	Orchestrator *pipeline.Orchestrator
	Gateway      *storage.Gateway
	Search       *search.Service
	Health       map[string]api.Pinger

	logger  *zap.Logger
	closers []func() error
}

// New builds every component from cfg. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if !opts.Memory && cfg.PostgresURL == "" {
		return nil, fmt.Errorf("%w: POSTGRES_URL is required unless running in memory mode", domain.ErrInvalidInput)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}

	app = &App{
		Config:  cfg,
		Metrics: monitoring.NewMetrics(opts.Registerer),
		Health:  make(map[string]api.Pinger),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	docs, objects, err := app.stores(ctx, opts.Memory)
	if err != nil {
		return app, err
	}
	archive := storage.NewLocalArchive(cfg.DataDir)
	fetcherOpts := []crawler.FetcherOption{crawler.WithHTMLArchive(archive)}
	var gatewayOpts []storage.GatewayOption
	if cfg.RedisAddr != "" {
		cache := storage.NewRedisPageCache(cfg.RedisAddr, cfg.PageCacheTTL())
		app.closers = append(app.closers, cache.Close)
		app.Health["redis"] = cache
		fetcherOpts = append(fetcherOpts, crawler.WithPageCache(cache))
		gatewayOpts = append(gatewayOpts, storage.WithPageForgetter(cache))
	}
	app.Gateway = storage.NewGateway(objects, docs, logger, gatewayOpts...)
	if cfg.RenderEnabled {
		renderer := crawler.NewChromeRenderer(cfg.UserAgent, cfg.RenderTimeout(), cfg.MaxWorkers, logger)
		app.closers = append(app.closers, func() error { renderer.Close(); return nil })
		fetcherOpts = append(fetcherOpts, crawler.WithRenderer(renderer))
	}
	fetcher := crawler.NewFetcher(crawler.FetchOptions{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout(),
		MaxAttempts:   cfg.MaxRetries,
		BaseDelay:     cfg.RetryBaseDelay(),
		BackoffFactor: cfg.BackoffFactor,
		Concurrency:   cfg.FetchConcurrency,
		HostRate:      cfg.HostRatePerSecond,
	}, logger, app.Metrics, fetcherOpts...)

	generator, err := llm.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.ExtractionModel, cfg.ExtractionTemperature, cfg.MaxExtractionTokens)
	if err != nil {
		return app, fmt.Errorf("create gemini client: %w", err)
	}
	app.closers = append(app.closers, generator.Close)

	vertex, err := llm.NewVertexEmbedder(ctx, llm.VertexOptions{
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		TextModel:  cfg.TextEmbeddingModel,
		ImageModel: cfg.ImageEmbeddingModel,
	}, logger)
	if err != nil {
		return app, fmt.Errorf("create vertex embedder: %w", err)
	}

	extractor := crawler.NewExtractor(generator, fetcher, crawler.ExtractorOptions{
		CharBudget: cfg.HTMLCharBudget,
		MaxImages:  cfg.MaxImageCandidates,
	}, logger)
	images := imageproc.NewProcessor(nil, archive, imageproc.Options{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.RequestTimeout(),
		MaxBytes:      cfg.MaxImageBytes(),
		MaxWidth:      cfg.MaxImageWidth,
		MaxHeight:     cfg.MaxImageHeight,
		ConvertToJPEG: cfg.ConvertToJPG,
		Quality:       cfg.JPGQuality,
		Concurrency:   cfg.ImageConcurrency,
	}, logger, app.Metrics)

	app.Orchestrator = pipeline.NewOrchestrator(pipeline.Deps{
		Fetcher:   fetcher,
		Extractor: extractor,
		Images:    images,
		Embedder:  embedding.NewGenerator(vertex, logger, app.Metrics),
		Gateway:   app.Gateway,
		Archive:   archive,
	}, pipeline.Options{
		Workers:      cfg.MaxWorkers,
		RequestDelay: cfg.RequestDelay(),
		TaskTimeout:  cfg.TaskTimeout(),
	}, logger, app.Metrics)
	app.Search = search.NewService(docs, vertex, logger, app.Metrics)

	logger.Info("application assembled",
		zap.Bool("memory", opts.Memory),
		zap.Bool("render", cfg.RenderEnabled),
		zap.Bool("page_cache", cfg.RedisAddr != ""),
		zap.String("collection", docs.Collection()),
	)
	return app, nil
}

func (a *App) stores(ctx context.Context, memory bool) (storage.DocumentStore, storage.ObjectStore, error) {
	cfg := a.Config
	if memory {
		base := cfg.StoragePublicBaseURL
		if base == "" {
			base = "memory://objects"
		}
		return storage.NewMemoryDocumentStore(cfg.DocumentCollection), storage.NewMemoryObjectStore(base), nil
	}

	docs, err := storage.NewPostgresDocumentStore(ctx, cfg.PostgresURL, cfg.DocumentCollection)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, func() error { docs.Close(); return nil })
	a.Health["postgres"] = docs

	objects, err := storage.NewS3ObjectStore(ctx, storage.S3Options{
		Bucket:        cfg.StorageBucket,
		Endpoint:      cfg.StorageEndpoint,
		Region:        cfg.StorageRegion,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		PublicBaseURL: cfg.StoragePublicBaseURL,
	})
	if err != nil {
		return nil, nil, err
	}
	return docs, objects, nil
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
