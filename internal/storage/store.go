package storage

import (
	"context"

	"github.com/user/product-ingest/internal/domain"
)

// ObjectStore holds uploaded product images.
type ObjectStore interface {
	// Put stores data at path, makes it publicly readable and returns its
	// public URL.
	Put(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
	// List returns the paths of every object starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PageForgetter drops a cached page so the next fetch of url goes to the
// network.
type PageForgetter interface {
	Forget(ctx context.Context, url string) error
}

// DocumentStore holds one ProductDocument per product id.
type DocumentStore interface {
	Collection() string
	// Set inserts doc or replaces the document with the same product id,
	// keeping the original creation time.
	Set(ctx context.Context, doc *domain.ProductDocument) error
	// Get returns domain.ErrNotFound when no document exists.
	Get(ctx context.Context, productID string) (*domain.ProductDocument, error)
	// Stream calls fn for every stored document until fn returns an error.
	Stream(ctx context.Context, fn func(domain.ProductDocument) error) error
	FindNearest(ctx context.Context, field domain.VectorField, query []float32, limit int, measure domain.DistanceMeasure) ([]domain.Neighbor, error)
	Delete(ctx context.Context, productID string) error
}
