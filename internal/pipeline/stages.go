package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
)

// errSkipped marks a stage that had nothing to do.
var errSkipped = errors.New("stage skipped")

// stagePolicy describes how a stage runs and how its failure is handled.
// A critical stage ends the task on failure; a non-critical one applies its
// fallback and lets the task continue. tolerate names an error that only
// degrades the stage even when it is critical.
type stagePolicy struct {
	stage    domain.TaskState
	critical bool
	tolerate error
	run      func(o *Orchestrator, ctx context.Context, st *taskState) error
	fallback func(st *taskState)
}

var stagePolicies = []stagePolicy{
	{stage: domain.StateCrawling, critical: true, run: (*Orchestrator).crawl},
	{stage: domain.StateExtracting, critical: true, tolerate: domain.ErrUpstreamModel, run: (*Orchestrator).extract},
	{stage: domain.StateImageProcessing, run: (*Orchestrator).processImages, fallback: dropProcessedImages},
	{stage: domain.StateUploading, run: (*Orchestrator).uploadImages, fallback: dropUploads},
	{stage: domain.StateEmbedding, run: (*Orchestrator).embed, fallback: dropEmbeddings},
	{stage: domain.StatePersisting, critical: true, run: (*Orchestrator).persist},
}

func (o *Orchestrator) crawl(ctx context.Context, st *taskState) error {
	page, err := o.fetcher.Fetch(ctx, st.task.URL, st.task.ProductID)
	if err != nil {
		return err
	}
	st.page = page
	o.logger.Info("fetched page",
		zap.String("product_id", st.task.ProductID),
		zap.String("url", st.task.URL),
		zap.String("source", page.Source),
		zap.Int("attempts", page.Attempts),
		zap.Int("bytes", len(page.HTML)),
	)
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, st *taskState) error {
	rec, err := o.extractor.Extract(ctx, st.page.HTML, st.task.URL, st.task.ProductID)
	if rec != nil {
		rec.Source.FetchSource = st.page.Source
		st.record = rec
	}
	if err != nil && rec == nil && errors.Is(err, domain.ErrUpstreamModel) {
		return fmt.Errorf("%w: extractor returned no record", domain.ErrParseFailure)
	}
	return err
}

func (o *Orchestrator) processImages(ctx context.Context, st *taskState) error {
	if len(st.record.Images) == 0 {
		return errSkipped
	}
	st.record.Images = o.images.Process(ctx, st.task.ProductID, st.record.Images)
	if len(st.record.ProcessedImages()) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: 0 of %d candidates", domain.ErrNoImages, len(st.record.Images))
	}
	return nil
}

func (o *Orchestrator) uploadImages(ctx context.Context, st *taskState) error {
	if len(st.record.ProcessedImages()) == 0 {
		return errSkipped
	}
	images, err := o.gateway.UploadImages(ctx, st.task.ProductID, st.record.Images)
	if images != nil {
		st.record.Images = images
	}
	return err
}

func (o *Orchestrator) embed(ctx context.Context, st *taskState) error {
	pair, err := o.embedder.Generate(ctx, st.record, st.record.Images)
	st.pair = pair
	return err
}

func (o *Orchestrator) persist(ctx context.Context, st *taskState) error {
	res, err := o.gateway.Persist(ctx, st.record, st.pair)
	if err != nil {
		return err
	}
	st.persist = res
	return nil
}

func dropProcessedImages(st *taskState) {
	for i := range st.record.Images {
		st.record.Images[i].Processed = false
		st.record.Images[i].LocalPath = ""
	}
}

func dropUploads(st *taskState) {
	for i := range st.record.Images {
		st.record.Images[i].PublicURL = ""
		st.record.Images[i].ObjectPath = ""
	}
}

func dropEmbeddings(st *taskState) {
	st.pair = domain.EmbeddingPair{}
}
