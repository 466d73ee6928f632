package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/product-ingest/internal/domain"
)

// BatchID names a batch after its start time.
func BatchID(t time.Time) string {
	return "BATCH_" + t.Format("20060102_150405")
}

// RunBatch runs every task with at most Options.Workers in flight and waits
// for all of them. Each task waits Options.RequestDelay after taking a worker
// slot. Results keep the order of tasks; a failing or panicking task never
// stops the others.
func (o *Orchestrator) RunBatch(ctx context.Context, tasks []domain.IngestionTask) *domain.BatchResult {
	start := o.now()
	batch := &domain.BatchResult{
		BatchID:   BatchID(start),
		CreatedAt: start,
		TotalURLs: len(tasks),
		Results:   make([]domain.TaskResult, len(tasks)),
	}
	o.logger.Info("starting batch",
		zap.String("batch_id", batch.BatchID),
		zap.Int("total_urls", len(tasks)),
		zap.Int("max_workers", o.opts.Workers),
	)

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, task := range tasks {
		g.Go(func() error {
			// A cancelled delay still runs the task so it is reported as cancelled.
			_ = o.sleep(ctx, o.opts.RequestDelay)
			batch.Results[i] = o.RunTask(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range batch.Results {
		if r.Succeeded() {
			batch.SuccessCount++
		}
	}
	batch.FailureCount = batch.TotalURLs - batch.SuccessCount
	if batch.TotalURLs > 0 {
		batch.SuccessRate = float64(batch.SuccessCount) / float64(batch.TotalURLs)
	}
	batch.TotalDurationMS = o.now().Sub(start).Milliseconds()

	if o.archive != nil {
		if _, err := o.archive.SaveJSON(batch.BatchID, batch); err != nil {
			o.logger.Warn("failed to archive batch report", zap.String("batch_id", batch.BatchID), zap.Error(err))
		}
	}
	o.logger.Info("batch processing completed",
		zap.String("batch_id", batch.BatchID),
		zap.Int("total_urls", batch.TotalURLs),
		zap.Int("successful", batch.SuccessCount),
		zap.Int("failed", batch.FailureCount),
		zap.Float64("success_rate", batch.SuccessRate),
		zap.Int64("duration_ms", batch.TotalDurationMS),
	)
	return batch
}
