package embedding

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
)

type fakeEmbedder struct {
	textDim, imageDim int
	textErr, imageErr error
	texts             []string
	images            [][]byte
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	f.texts = append(f.texts, text)
	if f.textErr != nil {
		return nil, f.textErr
	}
	return make([]float32, f.textDim), nil
}

func (f *fakeEmbedder) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	f.images = append(f.images, data)
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	return make([]float32, f.imageDim), nil
}

func newTestGenerator(e Embedder) *Generator {
	return NewGenerator(e, zap.NewNop(), monitoring.NewMetrics(prometheus.NewRegistry()))
}

func writeImage(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuildTextOrderAndOmission(t *testing.T) {
	price := 129000.0
	rec := &domain.ProductRecord{
		Name:        "Espresso Machine X2",
		Category:    "Kitchen",
		Brand:       "  ",
		ProductCode: "BM-X2",
		Price:       &price,
		Currency:    "KRW",
	}
	rec.Attributes.Set("color", "black")
	rec.Specifications.Set("capacity", "1.2L")

	assert.Equal(t,
		"Product name: Espresso Machine X2\n"+
			"Category: Kitchen\n"+
			"Attributes: color: black, capacity: 1.2L\n"+
			"Product code: BM-X2\n"+
			"Price: 129000 KRW",
		BuildText(rec))

	assert.Empty(t, BuildText(&domain.ProductRecord{}))
}

func TestRepresentativeImagePrefersProcessedMain(t *testing.T) {
	images := []domain.ProductImage{
		{SourceURL: "a", Role: domain.RoleMain},
		{SourceURL: "b", Role: domain.RoleDetail, Processed: true, LocalPath: "b"},
		{SourceURL: "c", Role: domain.RoleMain, Processed: true, LocalPath: "c"},
	}
	img, ok := RepresentativeImage(images)
	require.True(t, ok)
	assert.Equal(t, "c", img.SourceURL)

	img, ok = RepresentativeImage(images[:2])
	require.True(t, ok)
	assert.Equal(t, "b", img.SourceURL)

	_, ok = RepresentativeImage(images[:1])
	assert.False(t, ok)
}

func TestGenerateBothModalities(t *testing.T) {
	fake := &fakeEmbedder{textDim: domain.TextEmbeddingDim, imageDim: domain.ImageEmbeddingDim}
	path := writeImage(t, "P1_00.jpg", "jpeg-bytes")

	pair, err := newTestGenerator(fake).Generate(context.Background(),
		&domain.ProductRecord{ProductID: "P1", Name: "Kettle"},
		[]domain.ProductImage{{Role: domain.RoleMain, Processed: true, LocalPath: path}})
	require.NoError(t, err)
	assert.Len(t, pair.Text, domain.TextEmbeddingDim)
	assert.Len(t, pair.Image, domain.ImageEmbeddingDim)
	assert.Equal(t, []string{"Product name: Kettle"}, fake.texts)
	assert.Equal(t, [][]byte{[]byte("jpeg-bytes")}, fake.images)
}

func TestGenerateWithoutImagesSkipsImageModality(t *testing.T) {
	fake := &fakeEmbedder{textDim: domain.TextEmbeddingDim, imageDim: domain.ImageEmbeddingDim}
	pair, err := newTestGenerator(fake).Generate(context.Background(),
		&domain.ProductRecord{Name: "Kettle"},
		[]domain.ProductImage{{Role: domain.RoleMain, Error: "404"}})
	require.NoError(t, err)
	assert.Len(t, pair.Text, domain.TextEmbeddingDim)
	assert.Empty(t, pair.Image)
	assert.Empty(t, fake.images)
}

func TestGenerateRejectsWrongDimensions(t *testing.T) {
	fake := &fakeEmbedder{textDim: 768, imageDim: domain.ImageEmbeddingDim}
	path := writeImage(t, "P1_00.jpg", "x")

	pair, err := newTestGenerator(fake).Generate(context.Background(),
		&domain.ProductRecord{Name: "Kettle"},
		[]domain.ProductImage{{Processed: true, LocalPath: path}})
	require.NoError(t, err)
	assert.Empty(t, pair.Text)
	assert.Len(t, pair.Image, domain.ImageEmbeddingDim)
}

func TestGenerateFailsWhenEveryModalityFails(t *testing.T) {
	fake := &fakeEmbedder{textErr: errors.New("quota"), imageErr: errors.New("quota")}
	path := writeImage(t, "P1_00.jpg", "x")

	pair, err := newTestGenerator(fake).Generate(context.Background(),
		&domain.ProductRecord{Name: "Kettle"},
		[]domain.ProductImage{{Processed: true, LocalPath: path}})
	require.Error(t, err)
	assert.Empty(t, pair.Text)
	assert.Empty(t, pair.Image)

	pair, err = newTestGenerator(fake).Generate(context.Background(), &domain.ProductRecord{}, nil)
	require.NoError(t, err)
	assert.Empty(t, pair.Text)
}
