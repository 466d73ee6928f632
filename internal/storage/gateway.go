package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/embedding"
	"github.com/user/product-ingest/pkg/utils"
)

// Gateway moves a finished product into object and document storage.
type Gateway struct {
	objects  ObjectStore
	docs     DocumentStore
	logger   *zap.Logger
	pages    PageForgetter
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

type GatewayOption func(*Gateway)

// WithPageForgetter drops the cached source page of a deleted product.
func WithPageForgetter(p PageForgetter) GatewayOption { return func(g *Gateway) { g.pages = p } }

func NewGateway(objects ObjectStore, docs DocumentStore, logger *zap.Logger, opts ...GatewayOption) *Gateway {
	g := &Gateway{objects: objects, docs: docs, logger: logger, now: time.Now, readFile: os.ReadFile}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ObjectPath is the deterministic object path of the index-th image
// candidate of a product.
func ObjectPath(productID string, index int, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" || ext == "jpeg" {
		ext = "jpg"
	}
	return fmt.Sprintf("images/%s_%02d.%s", productID, index, ext)
}

// UploadImages uploads every processed image and returns updated copies.
// A failed upload is recorded on its image. The error is non-nil only when
// there were processed images and none could be uploaded.
func (g *Gateway) UploadImages(ctx context.Context, productID string, images []domain.ProductImage) ([]domain.ProductImage, error) {
	out := make([]domain.ProductImage, len(images))
	copy(out, images)

	var (
		attempted int
		uploaded  int
		errs      []error
	)
	for i := range out {
		img := &out[i]
		if !img.Processed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		path := ObjectPath(productID, i, filepath.Ext(img.LocalPath))
		attempted++

		data, err := g.readFile(img.LocalPath)
		if err == nil {
			img.PublicURL, err = g.objects.Put(ctx, path, data, img.ContentType)
		}
		if err != nil {
			img.PublicURL = ""
			img.Error = fmt.Sprintf("upload: %v", err)
			errs = append(errs, err)
			g.logger.Warn("image upload failed",
				zap.String("product_id", productID),
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		img.ObjectPath = path
		uploaded++
	}

	if attempted > 0 && uploaded == 0 {
		return out, fmt.Errorf("%w: no image uploaded: %w", domain.ErrWriteFailure, errors.Join(errs...))
	}
	return out, nil
}

// BuildDocument flattens rec and its embeddings into the stored schema.
func (g *Gateway) BuildDocument(rec *domain.ProductRecord, pair domain.EmbeddingPair) domain.ProductDocument {
	now := g.now().UTC()
	return domain.ProductDocument{
		ProductID:      rec.ProductID,
		TextContent:    embedding.BuildText(rec),
		ImagePath:      rec.PrimaryImageURL(),
		TextEmbedding:  nonNilVector(pair.Text),
		ImageEmbedding: nonNilVector(pair.Image),
		CreatedAt:      now,
		UpdatedAt:      now,
		Name:           rec.Name,
		Description:    rec.Description,
		Category:       rec.Category,
		Price:          rec.Price,
		Brand:          rec.Brand,
		SourceURL:      rec.Source.URL,
	}
}

// Persist writes the product document, replacing any earlier version. Errors
// wrap domain.ErrWriteFailure.
func (g *Gateway) Persist(ctx context.Context, rec *domain.ProductRecord, pair domain.EmbeddingPair) (*domain.PersistResult, error) {
	if rec == nil || rec.ProductID == "" {
		return nil, fmt.Errorf("%w: %w: record without product id", domain.ErrWriteFailure, domain.ErrInvalidInput)
	}
	if err := checkVector(pair.Text, domain.TextEmbeddingDim); err != nil {
		return nil, fmt.Errorf("%w: text embedding: %w", domain.ErrWriteFailure, err)
	}
	if err := checkVector(pair.Image, domain.ImageEmbeddingDim); err != nil {
		return nil, fmt.Errorf("%w: image embedding: %w", domain.ErrWriteFailure, err)
	}

	doc := g.BuildDocument(rec, pair)
	if err := g.docs.Set(ctx, &doc); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: set %s/%s: %v", domain.ErrWriteFailure, g.docs.Collection(), rec.ProductID, err)
	}

	g.logger.Info("persisted product",
		zap.String("product_id", rec.ProductID),
		zap.String("collection", g.docs.Collection()),
		zap.Int("text_dims", len(doc.TextEmbedding)),
		zap.Int("image_dims", len(doc.ImageEmbedding)),
	)
	return &domain.PersistResult{
		ProductID:  rec.ProductID,
		Collection: g.docs.Collection(),
		ImagePath:  doc.ImagePath,
		WrittenAt:  doc.UpdatedAt,
	}, nil
}

// Document returns the stored document of productID.
func (g *Gateway) Document(ctx context.Context, productID string) (*domain.ProductDocument, error) {
	return g.docs.Get(ctx, productID)
}

// DeleteProduct removes the document and every uploaded image of productID.
// Only paths of the ObjectPath form are removed, so another product whose id
// extends productID keeps its images.
func (g *Gateway) DeleteProduct(ctx context.Context, productID string) error {
	doc, err := g.docs.Get(ctx, productID)
	if err != nil {
		return err
	}
	if err := g.docs.Delete(ctx, productID); err != nil {
		return err
	}

	prefix := "images/" + productID + "_"
	paths, err := g.objects.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("%w: list images of %s: %v", domain.ErrWriteFailure, productID, err)
	}
	own := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `\d{2,}\.[a-z0-9]+$`)
	n := 0
	for _, path := range paths {
		if !own.MatchString(path) {
			continue
		}
		if err := g.objects.Delete(ctx, path); err != nil {
			return fmt.Errorf("%w: delete %s: %v", domain.ErrWriteFailure, path, err)
		}
		n++
	}

	if g.pages != nil && doc.SourceURL != "" {
		if u, err := utils.ValidateURL(doc.SourceURL); err == nil {
			if err := g.pages.Forget(ctx, u.String()); err != nil {
				g.logger.Warn("failed to forget cached page", zap.String("product_id", productID), zap.Error(err))
			}
		}
	}
	g.logger.Info("deleted product", zap.String("product_id", productID), zap.Int("images", n))
	return nil
}

func checkVector(v []float32, want int) error {
	if len(v) != 0 && len(v) != want {
		return fmt.Errorf("%w: got %d dimensions, want 0 or %d", domain.ErrInvalidInput, len(v), want)
	}
	return nil
}

func nonNilVector(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}
