package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/storage"
	"github.com/user/product-ingest/pkg/utils"
)

// QueryEmbedder embeds a query into both vector spaces.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedTextForImage(ctx context.Context, query string) ([]float32, error)
}

// Result is one fused search hit. Ranks are 1-based positions in the
// per-modality lists, 0 when the product was absent from that list.
type Result struct {
	Document  domain.ProductDocument `json:"document"`
	Score     float64                `json:"score"`
	TextRank  int                    `json:"text_rank,omitempty"`
	ImageRank int                    `json:"image_rank,omitempty"`
}

// Service runs hybrid text and image search over stored products.
type Service struct {
	docs     storage.DocumentStore
	embedder QueryEmbedder
	measure  domain.DistanceMeasure
	logger   *zap.Logger
	metrics  *monitoring.Metrics
}

func NewService(docs storage.DocumentStore, embedder QueryEmbedder, logger *zap.Logger, metrics *monitoring.Metrics) *Service {
	return &Service{docs: docs, embedder: embedder, measure: domain.DistanceCosine, logger: logger, metrics: metrics}
}

type modality struct {
	field domain.VectorField
	dim   int
	embed func(ctx context.Context, query string) ([]float32, error)
}

// Search embeds query for both modalities, gathers nearest neighbours for
// each and merges the two rankings with Fuse. A modality that fails is left
// out; the call fails only when both do.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 10
	}
	depth := limit * 2

	modalities := []modality{
		{field: domain.FieldTextEmbedding, dim: domain.TextEmbeddingDim, embed: s.embedder.EmbedQuery},
		{field: domain.FieldImageEmbedding, dim: domain.ImageEmbeddingDim, embed: s.embedder.EmbedTextForImage},
	}
	lists := make([][]domain.Neighbor, len(modalities))
	errs := make([]error, len(modalities))

	g, gctx := errgroup.WithContext(ctx)
	for i, m := range modalities {
		g.Go(func() error {
			lists[i], errs[i] = s.rank(gctx, m, query, depth)
			if errs[i] != nil {
				s.logger.Warn("search modality failed",
					zap.String("field", string(m.field)),
					zap.Error(errs[i]),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs[0] != nil && errs[1] != nil {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: search %q: %w", domain.ErrUpstreamModel, query, errors.Join(errs...))
	}

	docs := make(map[string]domain.ProductDocument)
	idLists := make([][]string, len(lists))
	ranks := make([]map[string]int, len(lists))
	for i, list := range lists {
		ranks[i] = make(map[string]int, len(list))
		for r, n := range list {
			id := n.Document.ProductID
			idLists[i] = append(idLists[i], id)
			ranks[i][id] = r + 1
			if _, ok := docs[id]; !ok {
				docs[id] = n.Document
			}
		}
	}

	fused := Fuse(idLists, DefaultRRFK)
	if len(fused) > limit {
		fused = fused[:limit]
	}
	out := make([]Result, 0, len(fused))
	for _, f := range fused {
		out = append(out, Result{
			Document:  docs[f.ID],
			Score:     f.Score,
			TextRank:  ranks[0][f.ID],
			ImageRank: ranks[1][f.ID],
		})
	}
	return out, nil
}

func (s *Service) rank(ctx context.Context, m modality, query string, depth int) ([]domain.Neighbor, error) {
	vec, err := m.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vec) != m.dim {
		return nil, fmt.Errorf("%w: %s query vector has %d dimensions, want %d", domain.ErrUpstreamModel, m.field, len(vec), m.dim)
	}

	hits, err := s.docs.FindNearest(ctx, m.field, vec, depth, s.measure)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		return hits, nil
	}

	s.metrics.IncSearchFallback(string(m.field))
	s.logger.Info("nearest-neighbour query returned nothing, scanning collection",
		zap.String("field", string(m.field)),
		zap.String("collection", s.docs.Collection()),
	)
	return s.scan(ctx, m.field, vec, depth)
}

// scan ranks every stored document by cosine similarity to vec.
func (s *Service) scan(ctx context.Context, field domain.VectorField, vec []float32, depth int) ([]domain.Neighbor, error) {
	type scored struct {
		n   domain.Neighbor
		sim float64
	}
	var all []scored
	err := s.docs.Stream(ctx, func(doc domain.ProductDocument) error {
		stored := doc.TextEmbedding
		if field == domain.FieldImageEmbedding {
			stored = doc.ImageEmbedding
		}
		if len(stored) != len(vec) {
			return nil
		}
		sim := utils.CosineSimilarity(vec, stored)
		all = append(all, scored{n: domain.Neighbor{Document: doc, Distance: 1 - sim}, sim: sim})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.docs.Collection(), err)
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].sim > all[j].sim })
	if len(all) > depth {
		all = all[:depth]
	}
	out := make([]domain.Neighbor, len(all))
	for i, a := range all {
		out[i] = a.n
	}
	return out, nil
}
