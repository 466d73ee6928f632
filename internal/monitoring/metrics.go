package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	TasksTotal          *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	FetchAttempts       *prometheus.CounterVec
	ImagesProcessed     *prometheus.CounterVec
	EmbeddingsTotal     *prometheus.CounterVec
	SearchFallbacks     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the metrics on reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_tasks_total",
			Help: "Ingestion tasks by terminal state.",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_stage_duration_seconds",
			Help:    "Duration of pipeline stages.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120},
		}, []string{"stage", "status"}),
		FetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_fetch_attempts_total",
			Help: "Page fetch attempts by source and outcome.",
		}, []string{"source", "outcome"}), // source: render, http, plain, cache
		ImagesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_images_processed_total",
			Help: "Candidate images by processing outcome.",
		}, []string{"outcome"}),
		EmbeddingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_embeddings_total",
			Help: "Embedding calls by modality and outcome.",
		}, []string{"modality", "outcome"}),
		SearchFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "search_fullscan_fallbacks_total",
			Help: "Nearest-neighbour queries answered by a full scan.",
		}, []string{"field"}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) ObserveStage(stage, status string, seconds float64) {
	m.StageDuration.WithLabelValues(stage, status).Observe(seconds)
}

func (m *Metrics) IncTask(status string) {
	m.TasksTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncFetch(source, outcome string) {
	m.FetchAttempts.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) IncImage(outcome string) {
	m.ImagesProcessed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncEmbedding(modality, outcome string) {
	m.EmbeddingsTotal.WithLabelValues(modality, outcome).Inc()
}

func (m *Metrics) IncSearchFallback(field string) {
	m.SearchFallbacks.WithLabelValues(field).Inc()
}
