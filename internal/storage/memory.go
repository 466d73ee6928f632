package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/pkg/utils"
)

// MemoryDocumentStore is a DocumentStore kept in process memory. It backs the
// CLI's --memory mode and tests.
type MemoryDocumentStore struct {
	mu         sync.RWMutex
	collection string
	docs       map[string]domain.ProductDocument
	order      []string
}

func NewMemoryDocumentStore(collection string) *MemoryDocumentStore {
	return &MemoryDocumentStore{collection: collection, docs: make(map[string]domain.ProductDocument)}
}

func (s *MemoryDocumentStore) Collection() string { return s.collection }

func (s *MemoryDocumentStore) Set(_ context.Context, doc *domain.ProductDocument) error {
	if doc == nil || doc.ProductID == "" {
		return fmt.Errorf("%w: document without product id", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneDocument(*doc)
	if prev, ok := s.docs[doc.ProductID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		s.order = append(s.order, doc.ProductID)
	}
	s.docs[doc.ProductID] = stored
	return nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, productID string) (*domain.ProductDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	out := cloneDocument(doc)
	return &out, nil
}

func (s *MemoryDocumentStore) Stream(ctx context.Context, fn func(domain.ProductDocument) error) error {
	s.mu.RLock()
	docs := make([]domain.ProductDocument, 0, len(s.order))
	for _, id := range s.order {
		docs = append(docs, cloneDocument(s.docs[id]))
	}
	s.mu.RUnlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryDocumentStore) FindNearest(ctx context.Context, field domain.VectorField, query []float32, limit int, measure domain.DistanceMeasure) ([]domain.Neighbor, error) {
	if _, err := vectorOf(domain.ProductDocument{}, field); err != nil {
		return nil, err
	}
	var hits []domain.Neighbor
	err := s.Stream(ctx, func(doc domain.ProductDocument) error {
		vec, _ := vectorOf(doc, field)
		if len(vec) == 0 || len(vec) != len(query) {
			return nil
		}
		hits = append(hits, domain.Neighbor{Document: doc, Distance: Distance(measure, query, vec)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[productID]; !ok {
		return fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	delete(s.docs, productID)
	for i, id := range s.order {
		if id == productID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Distance computes the distance used to order nearest-neighbour hits; lower
// is closer for every measure.
func Distance(measure domain.DistanceMeasure, a, b []float32) float64 {
	switch measure {
	case domain.DistanceEuclidean:
		return utils.EuclideanDistance(a, b)
	case domain.DistanceDotProduct:
		return -utils.DotProduct(a, b)
	default:
		return 1 - utils.CosineSimilarity(a, b)
	}
}

func vectorOf(doc domain.ProductDocument, field domain.VectorField) ([]float32, error) {
	switch field {
	case domain.FieldTextEmbedding:
		return doc.TextEmbedding, nil
	case domain.FieldImageEmbedding:
		return doc.ImageEmbedding, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector field %q", domain.ErrInvalidInput, field)
	}
}

func cloneDocument(doc domain.ProductDocument) domain.ProductDocument {
	doc.TextEmbedding = slices.Clone(doc.TextEmbedding)
	doc.ImageEmbedding = slices.Clone(doc.ImageEmbedding)
	if doc.Price != nil {
		p := *doc.Price
		doc.Price = &p
	}
	return doc
}

// MemoryObjectStore is an ObjectStore kept in process memory.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryObjectStore(baseURL string) *MemoryObjectStore {
	return &MemoryObjectStore{baseURL: strings.TrimRight(baseURL, "/"), objects: make(map[string]memoryObject)}
}

func (s *MemoryObjectStore) Put(_ context.Context, path string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return s.baseURL + "/" + path, nil
}

func (s *MemoryObjectStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

func (s *MemoryObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for path := range s.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Object returns the stored bytes and content type at path.
func (s *MemoryObjectStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	return obj.data, obj.contentType, ok
}

// Paths lists stored object paths in lexical order.
func (s *MemoryObjectStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for path := range s.objects {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}
