package domain

import "time"

// TaskState is the lifecycle position of one ingestion task.
type TaskState string

const (
	StatePending         TaskState = "pending"
	StateCrawling        TaskState = "crawling"
	StateExtracting      TaskState = "extracting"
	StateImageProcessing TaskState = "image_processing"
	StateUploading       TaskState = "uploading"
	StateEmbedding       TaskState = "embedding"
	StatePersisting      TaskState = "persisting"
	StateCompleted       TaskState = "completed"
	StateFailed          TaskState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageOK       StageStatus = "ok"
	StageDegraded StageStatus = "degraded"
	StageFailed   StageStatus = "failed"
	StageSkipped  StageStatus = "skipped"
)

// StageReport is the recorded outcome of one stage of one task.
type StageReport struct {
	Status     StageStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
	Kind       ErrorKind   `json:"kind,omitempty"`
}

// IngestionTask is a single URL to ingest. ProductID is derived from the URL
// when empty.
type IngestionTask struct {
	URL       string `json:"url"`
	ProductID string `json:"product_id,omitempty"`
}

// TaskResult is the report of one finished task.
type TaskResult struct {
	ProductID       string                    `json:"product_id"`
	URL             string                    `json:"url"`
	State           TaskState                 `json:"state"`
	Stages          map[TaskState]StageReport `json:"stages"`
	Error           string                    `json:"error,omitempty"`
	ErrorKind       ErrorKind                 `json:"error_kind,omitempty"`
	StartedAt       time.Time                 `json:"started_at"`
	DurationMS      int64                     `json:"duration_ms"`
	ImageCount      int                       `json:"image_count"`
	ProcessedImages int                       `json:"processed_images"`
	TextDims        int                       `json:"text_embedding_dims"`
	ImageDims       int                       `json:"image_embedding_dims"`
	ImagePath       string                    `json:"image_path,omitempty"`
}

// Succeeded reports whether the task reached StateCompleted.
func (r TaskResult) Succeeded() bool {
	return r.State == StateCompleted
}

// BatchResult aggregates the results of one batch run.
type BatchResult struct {
	BatchID         string       `json:"batch_id"`
	CreatedAt       time.Time    `json:"created_at"`
	TotalURLs       int          `json:"total_urls"`
	SuccessCount    int          `json:"success_count"`
	FailureCount    int          `json:"failure_count"`
	SuccessRate     float64      `json:"success_rate"`
	TotalDurationMS int64        `json:"total_duration_ms"`
	Results         []TaskResult `json:"results"`
}
