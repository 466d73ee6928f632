package api

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/product-ingest/internal/domain"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
)

// Job tracks one asynchronous ingest request.
type Job struct {
	ID         string              `json:"job_id"`
	Status     JobStatus           `json:"status"`
	TotalURLs  int                 `json:"total_urls"`
	CreatedAt  time.Time           `json:"created_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Result     *domain.BatchResult `json:"result,omitempty"`
}

// JobRegistry keeps ingest jobs in memory for the life of the process.
type JobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{jobs: make(map[string]*Job), now: time.Now}
}

func (r *JobRegistry) Create(totalURLs int) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Status:    JobQueued,
		TotalURLs: totalURLs,
		CreatedAt: r.now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return *job
}

func (r *JobRegistry) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.Status == JobQueued {
		job.Status = JobRunning
	}
}

func (r *JobRegistry) Finish(id string, result *domain.BatchResult, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return
	}
	finished := r.now().UTC()
	job.FinishedAt = &finished
	job.Result = result
	job.Status = JobCompleted
	if cancelled {
		job.Status = JobCancelled
	}
}

// Get returns a snapshot of job id.
func (r *JobRegistry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}
