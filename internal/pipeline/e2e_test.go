package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/crawler"
	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/embedding"
	"github.com/user/product-ingest/internal/imageproc"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/storage"
)

const bucketBase = "https://storage.googleapis.com/test-bucket"

const kettlePage = `<html><head>
<title>Stainless Kettle 1.7L | Shop</title>
<meta property="og:image" content="https://img.shop.example/kettle.png">
</head><body><h1>Stainless Kettle 1.7L</h1><p>Boils water fast.</p></body></html>`

// siteTransport serves canned responses per host without a network.
type siteTransport map[string]http.HandlerFunc

func (s siteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	if h, ok := s[req.URL.Host]; ok {
		h(rec, req)
	} else {
		http.NotFound(rec, req)
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type staticGenerator struct{}

func (staticGenerator) Generate(context.Context, string) (string, error) {
	return `{"name":"Stainless Kettle 1.7L","category":"Kitchen","price":"39,000","currency":"KRW"}`, nil
}

type sizedEmbedder struct{}

func (sizedEmbedder) EmbedText(context.Context, string) ([]float32, error) {
	v := make([]float32, domain.TextEmbeddingDim)
	v[0] = 1
	return v, nil
}

func (sizedEmbedder) EmbedImage(context.Context, []byte) ([]float32, error) {
	v := make([]float32, domain.ImageEmbeddingDim)
	v[0] = 1
	return v, nil
}

func kettlePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		img.Set(320, y, color.NRGBA{B: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newSite(t *testing.T) siteTransport {
	picture := kettlePNG(t)
	return siteTransport{
		"shop.example": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(kettlePage))
		},
		"img.shop.example": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(picture)
		},
		"down.example": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		},
	}
}

type stack struct {
	orchestrator *Orchestrator
	docs         *storage.MemoryDocumentStore
	objects      *storage.MemoryObjectStore
	dataDir      string
}

func newStack(t *testing.T, workers int) *stack {
	t.Helper()
	logger := zap.NewNop()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	client := &http.Client{Transport: newSite(t)}
	dataDir := t.TempDir()
	archive := storage.NewLocalArchive(dataDir)

	fetcher := crawler.NewFetcher(crawler.FetchOptions{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		BackoffFactor: 2,
		Concurrency:   2,
	}, logger, metrics, crawler.WithHTTPClient(client), crawler.WithHTMLArchive(archive))
	extractor := crawler.NewExtractor(staticGenerator{}, fetcher, crawler.ExtractorOptions{CharBudget: 12000, MaxImages: 10}, logger)
	processor := imageproc.NewProcessor(client, archive, imageproc.Options{
		MaxBytes:      5 << 20,
		MaxWidth:      1920,
		MaxHeight:     1920,
		ConvertToJPEG: true,
		Quality:       90,
		Concurrency:   3,
	}, logger, metrics)

	docs := storage.NewMemoryDocumentStore("products")
	objects := storage.NewMemoryObjectStore(bucketBase)
	o := NewOrchestrator(Deps{
		Fetcher:   fetcher,
		Extractor: extractor,
		Images:    processor,
		Embedder:  embedding.NewGenerator(sizedEmbedder{}, logger, metrics),
		Gateway:   storage.NewGateway(objects, docs, logger),
		Archive:   archive,
	}, Options{Workers: workers, TaskTimeout: 10 * time.Second}, logger, metrics)
	return &stack{orchestrator: o, docs: docs, objects: objects, dataDir: dataDir}
}

func TestEndToEndSingleProduct(t *testing.T) {
	s := newStack(t, 1)
	res := s.orchestrator.RunTask(context.Background(), domain.IngestionTask{URL: "https://shop.example/item/42"})
	require.Equal(t, domain.StateCompleted, res.State, res.Error)
	assert.Equal(t, 1, res.ImageCount)
	assert.Equal(t, 1, res.ProcessedImages)

	doc, err := s.docs.Get(context.Background(), res.ProductID)
	require.NoError(t, err)
	assert.Equal(t, "Stainless Kettle 1.7L", doc.Name)
	assert.Len(t, doc.TextEmbedding, domain.TextEmbeddingDim)
	assert.Len(t, doc.ImageEmbedding, domain.ImageEmbeddingDim)
	assert.True(t, strings.HasPrefix(doc.ImagePath, bucketBase+"/images/"), doc.ImagePath)
	assert.Equal(t, []string{"images/" + res.ProductID + "_00.jpg"}, s.objects.Paths())

	_, err = os.Stat(filepath.Join(s.dataDir, "html", res.ProductID+".html"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.dataDir, "json", res.ProductID+".json"))
	assert.NoError(t, err)
}

func TestEndToEndSuppliedProductIDNamesEveryArtifact(t *testing.T) {
	s := newStack(t, 1)
	res := s.orchestrator.RunTask(context.Background(), domain.IngestionTask{URL: "https://shop.example/item/42", ProductID: "SKU-1"})
	require.Equal(t, domain.StateCompleted, res.State, res.Error)
	assert.Equal(t, "SKU-1", res.ProductID)

	for _, name := range []string{"html/SKU-1.html", "json/SKU-1.json"} {
		_, err := os.Stat(filepath.Join(s.dataDir, filepath.FromSlash(name)))
		assert.NoError(t, err, name)
	}
	derived, err := filepath.Glob(filepath.Join(s.dataDir, "html", "PDC*.html"))
	require.NoError(t, err)
	assert.Empty(t, derived)
	assert.Equal(t, []string{"images/SKU-1_00.jpg"}, s.objects.Paths())
}

func TestEndToEndFetchExhaustionPersistsNothing(t *testing.T) {
	s := newStack(t, 1)
	res := s.orchestrator.RunTask(context.Background(), domain.IngestionTask{URL: "https://down.example/item/7"})

	assert.Equal(t, domain.StateFailed, res.State)
	assert.Equal(t, domain.KindTransientNetwork, res.ErrorKind)
	assert.Contains(t, res.Error, "giving up after 3 attempts")
	_, err := s.docs.Get(context.Background(), res.ProductID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEndToEndBatchFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"# five product pages",
		"https://shop.example/item/1",
		"https://shop.example/item/2",
		"https://down.example/item/3",
		"",
		"https://shop.example/item/4",
		"https://down.example/item/5",
	}, "\n")), 0o644))

	urls, err := ReadURLFile(path)
	require.NoError(t, err)
	require.Len(t, urls, 5)

	batch := newStack(t, 2).orchestrator.RunBatch(context.Background(), Tasks(urls))
	assert.Equal(t, 5, batch.TotalURLs)
	assert.Equal(t, 5, batch.SuccessCount+batch.FailureCount)
	assert.Equal(t, 3, batch.SuccessCount)
}
