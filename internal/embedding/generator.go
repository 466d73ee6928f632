package embedding

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
)

// Embedder is the pair of embedding services.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
}

// Generator turns a product record into its EmbeddingPair.
type Generator struct {
	embedder Embedder
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	readFile func(string) ([]byte, error)
}

func NewGenerator(embedder Embedder, logger *zap.Logger, metrics *monitoring.Metrics) *Generator {
	return &Generator{embedder: embedder, logger: logger, metrics: metrics, readFile: os.ReadFile}
}

// BuildText concatenates the labeled, non-empty fields of rec in a fixed
// order, one per line.
func BuildText(rec *domain.ProductRecord) string {
	var parts []string
	add := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			parts = append(parts, label+" "+value)
		}
	}

	add("Product name:", rec.Name)
	add("Description:", rec.Description)
	add("Category:", rec.Category)
	add("Brand:", rec.Brand)

	var attrs []string
	for _, list := range []domain.Attributes{rec.Attributes, rec.Specifications} {
		for _, kv := range list {
			attrs = append(attrs, kv.Key+": "+kv.Value)
		}
	}
	add("Attributes:", strings.Join(attrs, ", "))
	add("Product code:", rec.ProductCode)
	if rec.Price != nil {
		add("Price:", strings.TrimSpace(strconv.FormatFloat(*rec.Price, 'f', -1, 64)+" "+rec.Currency))
	}
	return strings.Join(parts, "\n")
}

// RepresentativeImage picks the first processed main image, else the first
// processed image of any role. ok is false when nothing was processed.
func RepresentativeImage(images []domain.ProductImage) (domain.ProductImage, bool) {
	for _, img := range images {
		if img.Processed && img.Role == domain.RoleMain {
			return img, true
		}
	}
	for _, img := range images {
		if img.Processed {
			return img, true
		}
	}
	return domain.ProductImage{}, false
}

// Generate computes both vectors. A failed or malformed modality is left
// empty. The returned error is non-nil only when at least one modality was
// attempted and none succeeded; the pair is valid either way.
func (g *Generator) Generate(ctx context.Context, rec *domain.ProductRecord, images []domain.ProductImage) (domain.EmbeddingPair, error) {
	var (
		pair      domain.EmbeddingPair
		attempted int
		errs      []error
	)

	if text := BuildText(rec); text != "" {
		attempted++
		vec, err := g.embedder.EmbedText(ctx, text)
		if err == nil {
			err = checkDim(vec, domain.TextEmbeddingDim)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("text embedding: %w", err))
			g.record(rec.ProductID, "text", err)
		} else {
			pair.Text = vec
			g.record(rec.ProductID, "text", nil)
		}
	}

	if img, ok := RepresentativeImage(images); ok {
		attempted++
		vec, err := g.embedImage(ctx, img)
		if err == nil {
			err = checkDim(vec, domain.ImageEmbeddingDim)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("image embedding: %w", err))
			g.record(rec.ProductID, "image", err)
		} else {
			pair.Image = vec
			g.record(rec.ProductID, "image", nil)
		}
	}

	if attempted > 0 && len(errs) == attempted {
		return pair, errors.Join(errs...)
	}
	return pair, nil
}

func (g *Generator) embedImage(ctx context.Context, img domain.ProductImage) ([]float32, error) {
	if img.LocalPath == "" {
		return nil, fmt.Errorf("%w: image %s has no local copy", domain.ErrInvalidInput, img.SourceURL)
	}
	data, err := g.readFile(img.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", img.LocalPath, err)
	}
	return g.embedder.EmbedImage(ctx, data)
}

func (g *Generator) record(productID, modality string, err error) {
	if err != nil {
		g.metrics.IncEmbedding(modality, "failed")
		g.logger.Warn("embedding failed",
			zap.String("product_id", productID),
			zap.String("modality", modality),
			zap.Error(err),
		)
		return
	}
	g.metrics.IncEmbedding(modality, "ok")
}

func checkDim(vec []float32, want int) error {
	if len(vec) != want {
		return fmt.Errorf("%w: got %d dimensions, want %d", domain.ErrUpstreamModel, len(vec), want)
	}
	return nil
}
