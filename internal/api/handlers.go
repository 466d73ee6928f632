package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/search"
	"github.com/user/product-ingest/pkg/utils"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

type ingestRequest struct {
	URLs  []string               `json:"urls"`
	Tasks []domain.IngestionTask `json:"tasks"`
}

type ingestResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	TotalURLs int       `json:"total_urls"`
}

// productView is a stored document without its raw vectors.
type productView struct {
	*domain.ProductDocument
	TextEmbedding  []float32 `json:"text_embedding,omitempty"`
	ImageEmbedding []float32 `json:"image_embedding,omitempty"`
	TextDims       int       `json:"text_embedding_dims"`
	ImageDims      int       `json:"image_embedding_dims"`
}

func newProductView(doc *domain.ProductDocument, withVectors bool) productView {
	v := productView{
		ProductDocument: doc,
		TextDims:        len(doc.TextEmbedding),
		ImageDims:       len(doc.ImageEmbedding),
	}
	if withVectors {
		v.TextEmbedding = doc.TextEmbedding
		v.ImageEmbedding = doc.ImageEmbedding
	}
	return v
}

type searchHit struct {
	Product   productView `json:"product"`
	Score     float64     `json:"score"`
	TextRank  int         `json:"text_rank,omitempty"`
	ImageRank int         `json:"image_rank,omitempty"`
}

type searchResponse struct {
	Query   string      `json:"query"`
	Count   int         `json:"count"`
	Results []searchHit `json:"results"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tasks := req.Tasks
	for _, u := range req.URLs {
		tasks = append(tasks, domain.IngestionTask{URL: u})
	}
	if len(tasks) == 0 {
		s.respondWithError(w, http.StatusBadRequest, "URLs list cannot be empty")
		return
	}
	for i := range tasks {
		tasks[i].URL = strings.TrimSpace(tasks[i].URL)
		if _, err := utils.ValidateURL(tasks[i].URL); err != nil {
			s.respondWithError(w, http.StatusBadRequest, "Invalid URL in list: "+tasks[i].URL)
			return
		}
	}

	job := s.jobs.Create(len(tasks))
	s.runJob(job.ID, tasks)
	s.logger.Info("ingest job accepted", zap.String("job_id", job.ID), zap.Int("total_urls", len(tasks)))

	s.respondWithJSON(w, http.StatusAccepted, ingestResponse{JobID: job.ID, Status: job.Status, TotalURLs: job.TotalURLs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "id"))
	if !ok {
		s.respondWithError(w, http.StatusNotFound, "Job not found")
		return
	}
	s.respondWithJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, err := s.deps.Products.Document(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Product not found")
			return
		}
		s.logger.Error("failed to get product", zap.String("product_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not retrieve product")
		return
	}
	withVectors, _ := strconv.ParseBool(r.URL.Query().Get("embeddings"))
	s.respondWithJSON(w, http.StatusOK, newProductView(doc, withVectors))
}

func (s *Server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Products.DeleteProduct(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondWithError(w, http.StatusNotFound, "Product not found")
			return
		}
		s.logger.Error("failed to delete product", zap.String("product_id", id), zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not delete product")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		s.respondWithError(w, http.StatusBadRequest, "q query parameter is required")
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			s.respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	results, err := s.deps.Searcher.Search(r.Context(), query, limit)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			s.respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrUpstreamModel):
			s.logger.Error("search embedding failed", zap.String("query", query), zap.Error(err))
			s.respondWithError(w, http.StatusBadGateway, "Embedding service unavailable")
		default:
			s.logger.Error("search failed", zap.String("query", query), zap.Error(err))
			s.respondWithError(w, http.StatusInternalServerError, "Search failed")
		}
		return
	}

	resp := searchResponse{Query: query, Count: len(results), Results: make([]searchHit, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, toHit(res))
	}
	s.respondWithJSON(w, http.StatusOK, resp)
}

func toHit(res search.Result) searchHit {
	doc := res.Document
	return searchHit{
		Product:   newProductView(&doc, false),
		Score:     res.Score,
		TextRank:  res.TextRank,
		ImageRank: res.ImageRank,
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string, len(s.deps.Health))
	healthy := true
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			healthStatus[name] = "unhealthy"
			healthy = false
			s.logger.Error("health check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		healthStatus[name] = "healthy"
	}

	if !healthy {
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	healthStatus["status"] = "ok"
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		code = http.StatusInternalServerError
		response = []byte(`{"error":"Could not encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
