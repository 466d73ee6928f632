package imageproc

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/storage"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.NRGBA{R: 200, A: 128})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	large := pngBytes(t, 3000, 1500)
	small := jpegBytes(t, 400, 300)

	mux := http.NewServeMux()
	mux.HandleFunc("/large.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(large)
	})
	mux.HandleFunc("/small.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(small)
	})
	mux.HandleFunc("/huge.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(64<<20))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/corrupt.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("definitely not a jpeg"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProcessor(t *testing.T, dir string, opts Options) *Processor {
	t.Helper()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	return NewProcessor(nil, storage.NewLocalArchive(dir), opts, zap.NewNop(), metrics)
}

func TestProcessNormalisesImages(t *testing.T) {
	srv := imageServer(t)
	dir := t.TempDir()
	p := newTestProcessor(t, dir, Options{
		MaxBytes:      5 << 20,
		MaxWidth:      1920,
		MaxHeight:     1920,
		ConvertToJPEG: true,
		Quality:       85,
		Concurrency:   2,
	})

	in := []domain.ProductImage{
		{SourceURL: srv.URL + "/large.png", Role: domain.RoleMain},
		{SourceURL: srv.URL + "/small.jpg", Role: domain.RoleDetail},
	}
	out := p.Process(context.Background(), "P1", in)
	require.Len(t, out, 2)
	assert.Empty(t, in[0].LocalPath, "input slice must not be mutated")

	large := out[0]
	require.True(t, large.Processed, large.Error)
	assert.Equal(t, 1920, large.Width)
	assert.Equal(t, 960, large.Height)
	assert.Equal(t, "image/jpeg", large.ContentType)
	assert.Equal(t, "P1_00.jpg", filepath.Base(large.LocalPath))

	f, err := os.Open(large.LocalPath)
	require.NoError(t, err)
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1920, cfg.Width)

	small := out[1]
	require.True(t, small.Processed, small.Error)
	assert.Equal(t, 400, small.Width)
	assert.Equal(t, 300, small.Height)
	assert.Equal(t, "P1_01.jpg", filepath.Base(small.LocalPath))
}

func TestProcessKeepsFormatWithoutConversion(t *testing.T) {
	srv := imageServer(t)
	p := newTestProcessor(t, t.TempDir(), Options{MaxWidth: 100, MaxHeight: 100})

	out := p.Process(context.Background(), "P2", []domain.ProductImage{{SourceURL: srv.URL + "/large.png"}})
	require.True(t, out[0].Processed, out[0].Error)
	assert.Equal(t, "image/png", out[0].ContentType)
	assert.Equal(t, "P2_00.png", filepath.Base(out[0].LocalPath))
	assert.Equal(t, 100, out[0].Width)
	assert.Equal(t, 50, out[0].Height)
}

func TestProcessRecordsPerImageFailures(t *testing.T) {
	srv := imageServer(t)
	p := newTestProcessor(t, t.TempDir(), Options{MaxBytes: 1 << 20, ConvertToJPEG: true})

	out := p.Process(context.Background(), "P3", []domain.ProductImage{
		{SourceURL: srv.URL + "/huge.jpg"},
		{SourceURL: srv.URL + "/missing.jpg"},
		{SourceURL: srv.URL + "/page.html"},
		{SourceURL: srv.URL + "/corrupt.jpg"},
		{SourceURL: srv.URL + "/small.jpg"},
	})
	require.Len(t, out, 5)

	for i, img := range out[:4] {
		assert.False(t, img.Processed, "image %d", i)
		assert.Empty(t, img.LocalPath, "image %d", i)
		assert.NotEmpty(t, img.Error, "image %d", i)
	}
	assert.Contains(t, out[0].Error, domain.ErrTooLarge.Error())
	assert.Contains(t, out[1].Error, "404")
	assert.True(t, out[4].Processed)
}

func TestProcessEmptyInput(t *testing.T) {
	p := newTestProcessor(t, t.TempDir(), Options{})
	assert.Empty(t, p.Process(context.Background(), "P4", nil))
}
