package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/crawler"
	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/pkg/utils"
)

// Fetcher retrieves the raw page of a URL and archives it under productID.
type Fetcher interface {
	Fetch(ctx context.Context, url, productID string) (*crawler.FetchResult, error)
}

// Extractor builds a product record from a fetched page. On a model failure
// it returns the fallback record together with an error wrapping
// domain.ErrUpstreamModel.
type Extractor interface {
	Extract(ctx context.Context, content, pageURL, productID string) (*domain.ProductRecord, error)
}

// ImageProcessor downloads and normalises candidate images.
type ImageProcessor interface {
	Process(ctx context.Context, productID string, images []domain.ProductImage) []domain.ProductImage
}

// Embedder computes the embedding pair of a record.
type Embedder interface {
	Generate(ctx context.Context, rec *domain.ProductRecord, images []domain.ProductImage) (domain.EmbeddingPair, error)
}

// Gateway uploads images and persists documents.
type Gateway interface {
	UploadImages(ctx context.Context, productID string, images []domain.ProductImage) ([]domain.ProductImage, error)
	Persist(ctx context.Context, rec *domain.ProductRecord, pair domain.EmbeddingPair) (*domain.PersistResult, error)
}

// RecordArchive keeps JSON copies of extracted records and batch reports.
type RecordArchive interface {
	SaveJSON(id string, v any) (string, error)
}

// Options bound the orchestrator's work.
type Options struct {
	Workers      int
	RequestDelay time.Duration
	TaskTimeout  time.Duration
}

// Orchestrator drives tasks through the ingestion stages.
type Orchestrator struct {
	fetcher   Fetcher
	extractor Extractor
	images    ImageProcessor
	embedder  Embedder
	gateway   Gateway
	archive   RecordArchive
	opts      Options
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

// Deps groups the collaborators of an Orchestrator. Archive may be nil.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Images    ImageProcessor
	Embedder  Embedder
	Gateway   Gateway
	Archive   RecordArchive
}

func NewOrchestrator(deps Deps, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		images:    deps.Images,
		embedder:  deps.Embedder,
		gateway:   deps.Gateway,
		archive:   deps.Archive,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// taskState is the working data of one task, owned by a single RunTask call.
type taskState struct {
	task    domain.IngestionTask
	page    *crawler.FetchResult
	record  *domain.ProductRecord
	pair    domain.EmbeddingPair
	persist *domain.PersistResult
}

// RunTask runs one task to a terminal state. It never panics and never
// returns an error: every failure is described on the result.
func (o *Orchestrator) RunTask(ctx context.Context, task domain.IngestionTask) (result domain.TaskResult) {
	if task.ProductID == "" {
		task.ProductID = utils.ProductID(task.URL)
	}
	start := o.now()
	result = domain.TaskResult{
		ProductID: task.ProductID,
		URL:       task.URL,
		State:     domain.StatePending,
		Stages:    make(map[domain.TaskState]domain.StageReport),
		StartedAt: start,
	}
	st := &taskState{task: task}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("task panicked",
				zap.String("product_id", task.ProductID),
				zap.String("url", task.URL),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			o.fail(&result, result.State, fmt.Errorf("panic: %v", r))
		}
		o.finish(&result, st, start)
	}()

	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	for _, p := range stagePolicies {
		if err := ctx.Err(); err != nil {
			o.fail(&result, p.stage, cancelled(p.stage, err))
			return result
		}
		result.State = p.stage
		o.logger.Debug("stage started", zap.String("product_id", task.ProductID), zap.String("stage", string(p.stage)))

		began := time.Now()
		err := p.run(o, ctx, st)
		report := domain.StageReport{Status: domain.StageOK, DurationMS: time.Since(began).Milliseconds()}

		switch {
		case err == nil:
		case errors.Is(err, errSkipped):
			report.Status = domain.StageSkipped
		case ctx.Err() != nil:
			err = cancelled(p.stage, ctx.Err())
			o.record(&result, p.stage, withError(report, domain.StageFailed, err))
			o.fail(&result, p.stage, err)
			return result
		case p.tolerate != nil && errors.Is(err, p.tolerate):
			report = withError(report, domain.StageDegraded, err)
			o.logger.Warn("stage degraded",
				zap.String("product_id", task.ProductID),
				zap.String("stage", string(p.stage)),
				zap.Error(err),
			)
		case p.critical:
			o.record(&result, p.stage, withError(report, domain.StageFailed, err))
			o.fail(&result, p.stage, err)
			return result
		default:
			report = withError(report, domain.StageFailed, err)
			o.logger.Warn("non-critical stage failed, continuing",
				zap.String("product_id", task.ProductID),
				zap.String("stage", string(p.stage)),
				zap.Error(err),
			)
			if p.fallback != nil {
				p.fallback(st)
			}
		}
		o.record(&result, p.stage, report)
	}

	result.State = domain.StateCompleted
	return result
}

func withError(r domain.StageReport, status domain.StageStatus, err error) domain.StageReport {
	r.Status = status
	r.Error = err.Error()
	r.Kind = domain.KindOf(err)
	return r
}

// record stores the report of stage and observes its duration.
func (o *Orchestrator) record(result *domain.TaskResult, stage domain.TaskState, report domain.StageReport) {
	result.Stages[stage] = report
	o.metrics.ObserveStage(string(stage), string(report.Status), float64(report.DurationMS)/1000)
	o.logger.Debug("stage finished",
		zap.String("product_id", result.ProductID),
		zap.String("stage", string(stage)),
		zap.String("status", string(report.Status)),
		zap.Int64("duration_ms", report.DurationMS),
	)
}

// fail moves result to StateFailed with err attributed to stage.
func (o *Orchestrator) fail(result *domain.TaskResult, stage domain.TaskState, err error) {
	if _, ok := result.Stages[stage]; !ok && stage != domain.StatePending && !stage.Terminal() {
		result.Stages[stage] = withError(domain.StageReport{}, domain.StageFailed, err)
	}
	result.State = domain.StateFailed
	result.Error = fmt.Sprintf("%s: %v", stage, err)
	result.ErrorKind = domain.KindOf(err)
	o.logger.Error("task failed",
		zap.String("product_id", result.ProductID),
		zap.String("url", result.URL),
		zap.String("stage", string(stage)),
		zap.String("kind", string(result.ErrorKind)),
		zap.Error(err),
	)
}

// finish fills the summary fields, archives the record and counts the task.
func (o *Orchestrator) finish(result *domain.TaskResult, st *taskState, start time.Time) {
	result.DurationMS = o.now().Sub(start).Milliseconds()
	if st.record != nil {
		result.ImageCount = len(st.record.Images)
		result.ProcessedImages = len(st.record.ProcessedImages())
		if o.archive != nil {
			if _, err := o.archive.SaveJSON(st.task.ProductID, st.record); err != nil {
				o.logger.Warn("failed to archive record", zap.String("product_id", st.task.ProductID), zap.Error(err))
			}
		}
	}
	result.TextDims = len(st.pair.Text)
	result.ImageDims = len(st.pair.Image)
	if st.persist != nil {
		result.ImagePath = st.persist.ImagePath
	}

	o.metrics.IncTask(string(result.State))
	if result.Succeeded() {
		o.logger.Info("task completed",
			zap.String("product_id", result.ProductID),
			zap.String("url", result.URL),
			zap.Int64("duration_ms", result.DurationMS),
			zap.Int("processed_images", result.ProcessedImages),
		)
	}
}

func cancelled(stage domain.TaskState, cause error) error {
	return fmt.Errorf("%w: %s interrupted: %v", domain.ErrCancelled, stage, cause)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
