package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/search"
)

// BatchRunner runs a batch of ingestion tasks to completion.
type BatchRunner interface {
	RunBatch(ctx context.Context, tasks []domain.IngestionTask) *domain.BatchResult
}

// ProductStore reads and removes stored products.
type ProductStore interface {
	Document(ctx context.Context, productID string) (*domain.ProductDocument, error)
	DeleteProduct(ctx context.Context, productID string) error
}

// Searcher answers hybrid product searches.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP server exposes.
type Deps struct {
	Runner   BatchRunner
	Products ProductStore
	Searcher Searcher
	Health   map[string]Pinger
	Gatherer prometheus.Gatherer
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	port       string
	router     http.Handler
	httpServer *http.Server
	deps       Deps
	jobs       *JobRegistry
	metrics    *monitoring.Metrics
	logger     *zap.Logger

	jobCtx     context.Context
	cancelJobs context.CancelFunc
	running    sync.WaitGroup
}

func NewServer(port string, deps Deps, m *monitoring.Metrics, l *zap.Logger) *Server {
	jobCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		port:       port,
		deps:       deps,
		jobs:       NewJobRegistry(),
		metrics:    m,
		logger:     l,
		jobCtx:     jobCtx,
		cancelJobs: cancel,
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running ingest jobs and waits
// for them to record their results.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.cancelJobs()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("ingest jobs still running at shutdown deadline")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// runJob executes the batch of job id in the background.
func (s *Server) runJob(id string, tasks []domain.IngestionTask) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.jobs.Start(id)
		result := s.deps.Runner.RunBatch(s.jobCtx, tasks)
		s.jobs.Finish(id, result, s.jobCtx.Err() != nil)
		s.logger.Info("ingest job finished",
			zap.String("job_id", id),
			zap.String("batch_id", result.BatchID),
			zap.Int("successful", result.SuccessCount),
			zap.Int("failed", result.FailureCount),
		)
	}()
}
