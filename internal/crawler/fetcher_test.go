package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/internal/storage"
)

type stubRenderer struct {
	html  string
	err   error
	calls atomic.Int32
}

func (r *stubRenderer) Render(_ context.Context, _ string) (string, error) {
	r.calls.Add(1)
	return r.html, r.err
}

func newTestFetcher(t *testing.T, opts FetchOptions, options ...FetcherOption) (*Fetcher, *[]time.Duration) {
	t.Helper()
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.BackoffFactor == 0 {
		opts.BackoffFactor = 2
	}
	f := NewFetcher(opts, zap.NewNop(), monitoring.NewMetrics(prometheus.NewRegistry()), options...)
	var mu sync.Mutex
	var sleeps []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return f, &sleeps
}

func TestFetchRetriesWithExponentialBackoff(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "ProductBatchProcessor/1.0", r.UserAgent())
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f, sleeps := newTestFetcher(t, FetchOptions{UserAgent: "ProductBatchProcessor/1.0"})
	res, err := f.Fetch(context.Background(), srv.URL+"/item/1", "")
	require.NoError(t, err)

	assert.Equal(t, SourceHTTP, res.Source)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.HTML, "ok")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *sleeps)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, FetchOptions{})
	_, err := f.Fetch(context.Background(), srv.URL, "")
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrTransientNetwork)
	var statusErr *domain.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.EqualValues(t, 3, hits.Load())
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	f, _ := newTestFetcher(t, FetchOptions{})
	for _, raw := range []string{"", "not a url", "/relative/path", "shop.example/item"} {
		_, err := f.Fetch(context.Background(), raw, "")
		assert.ErrorIs(t, err, domain.ErrInvalidURL, raw)
		assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	}
}

func TestFetchPrefersRendererAndFallsBack(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>plain</html>"))
	}))
	defer srv.Close()

	ok := &stubRenderer{html: "<html>rendered</html>"}
	f, _ := newTestFetcher(t, FetchOptions{}, WithRenderer(ok))
	res, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, SourceRender, res.Source)
	assert.Contains(t, res.HTML, "rendered")
	assert.EqualValues(t, 0, hits.Load())

	broken := &stubRenderer{err: errors.New("chrome crashed")}
	f, _ = newTestFetcher(t, FetchOptions{}, WithRenderer(broken))
	res, err = f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Equal(t, SourceHTTP, res.Source)
	assert.Contains(t, res.HTML, "plain")
	assert.EqualValues(t, 1, broken.calls.Load())
}

func TestFetchArchivesRawHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>archived</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, _ := newTestFetcher(t, FetchOptions{}, WithHTMLArchive(storage.NewLocalArchive(dir)))
	res, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.NotEmpty(t, res.ArchivePath)

	data, err := os.ReadFile(res.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, "<html>archived</html>", string(data))
}

func TestFetchArchivesUnderSuppliedProductID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>sku</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, _ := newTestFetcher(t, FetchOptions{}, WithHTMLArchive(storage.NewLocalArchive(dir)))
	res, err := f.Fetch(context.Background(), srv.URL+"/item/9", "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "html", "SKU-1.html"), res.ArchivePath)

	entries, err := os.ReadDir(filepath.Join(dir, "html"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type failingArchive struct{}

func (failingArchive) SaveHTML(string, string) (string, error) { return "", errors.New("disk full") }

func TestFetchArchiveFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, FetchOptions{}, WithHTMLArchive(failingArchive{}))
	res, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Empty(t, res.ArchivePath)
}

func TestFetchCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f, _ := newTestFetcher(t, FetchOptions{})
	f.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.Fetch(ctx, srv.URL, "")
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.Equal(t, domain.KindCancelled, domain.KindOf(err))
}

func TestFetchSemaphoreBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, FetchOptions{Concurrency: 2})
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), srv.URL, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

type mapCache struct {
	mu    sync.Mutex
	pages map[string]string
}

func (c *mapCache) Get(_ context.Context, url string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	html, ok := c.pages[url]
	return html, ok, nil
}

func (c *mapCache) Set(_ context.Context, url, html string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[url] = html
	return nil
}

func TestFetchServesFromCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>fresh</html>"))
	}))
	defer srv.Close()

	cache := &mapCache{pages: map[string]string{}}
	f, _ := newTestFetcher(t, FetchOptions{}, WithPageCache(cache))

	first, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), srv.URL, "")
	require.NoError(t, err)

	assert.Equal(t, SourceHTTP, first.Source)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.HTML, second.HTML)
	assert.EqualValues(t, 1, hits.Load())
}
