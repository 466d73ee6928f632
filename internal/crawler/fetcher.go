package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
	"github.com/user/product-ingest/pkg/utils"
)

// Fetch sources reported on FetchResult.Source.
const (
	SourceRender = "render"
	SourceHTTP   = "http"
	SourceCache  = "cache"
	SourcePlain  = "plain"
)

const (
	maxPageBytes   = 10 << 20
	plainTimeout   = 10 * time.Second
	defaultTimeout = 30 * time.Second
)

// Renderer loads a page in a browser and returns the rendered document.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// PageCache stores recently fetched pages.
type PageCache interface {
	Get(ctx context.Context, url string) (string, bool, error)
	Set(ctx context.Context, url, html string) error
}

// HTMLArchive receives a copy of every fetched page.
type HTMLArchive interface {
	SaveHTML(id, html string) (string, error)
}

// FetchResult is the page returned by Fetch.
type FetchResult struct {
	URL         string
	HTML        string
	Source      string
	StatusCode  int
	Attempts    int
	ArchivePath string
	Duration    time.Duration
}

// FetchOptions tune retries and politeness.
type FetchOptions struct {
	UserAgent     string
	Timeout       time.Duration
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	Concurrency   int
	HostRate      float64
}

// Fetcher retrieves raw HTML. A single Fetcher is shared by all tasks so its
// semaphore bounds fetches across the whole process.
type Fetcher struct {
	opts     FetchOptions
	client   *http.Client
	renderer Renderer
	cache    PageCache
	archive  HTMLArchive
	sem      *semaphore.Weighted
	limiters sync.Map // host -> *rate.Limiter
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

func WithHTTPClient(c *http.Client) FetcherOption { return func(f *Fetcher) { f.client = c } }
func WithRenderer(r Renderer) FetcherOption       { return func(f *Fetcher) { f.renderer = r } }
func WithPageCache(c PageCache) FetcherOption     { return func(f *Fetcher) { f.cache = c } }
func WithHTMLArchive(a HTMLArchive) FetcherOption { return func(f *Fetcher) { f.archive = a } }

// NewFetcher creates a Fetcher. Zero option values get conservative defaults.
func NewFetcher(opts FetchOptions, logger *zap.Logger, metrics *monitoring.Metrics, options ...FetcherOption) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	f := &Fetcher{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		sem:     semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:  logger,
		metrics: metrics,
		sleep:   sleepContext,
	}
	for _, o := range options {
		o(f)
	}
	return f
}

// Fetch returns the HTML for rawURL. The renderer is tried first when
// configured; a direct GET with exponential backoff is the fallback. The
// archived copy is named after productID, or the id derived from rawURL
// when productID is empty.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, productID string) (*FetchResult, error) {
	u, err := utils.ValidateURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	pageURL := u.String()

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for fetch slot: %v", domain.ErrCancelled, err)
	}
	defer f.sem.Release(1)

	start := time.Now()
	if res := f.fromCache(ctx, pageURL); res != nil {
		res.Duration = time.Since(start)
		return res, nil
	}

	var res *FetchResult
	if f.renderer != nil {
		html, err := f.renderer.Render(ctx, pageURL)
		switch {
		case err == nil && strings.TrimSpace(html) != "":
			f.metrics.IncFetch(SourceRender, "ok")
			res = &FetchResult{URL: pageURL, HTML: html, Source: SourceRender, StatusCode: http.StatusOK, Attempts: 1}
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: render %s: %v", domain.ErrCancelled, pageURL, ctx.Err())
		default:
			f.metrics.IncFetch(SourceRender, "error")
			f.logger.Warn("render failed, falling back to direct fetch", zap.String("url", pageURL), zap.Error(err))
		}
	}

	if res == nil {
		res, err = f.fetchWithRetry(ctx, pageURL, u.Host)
		if err != nil {
			return nil, err
		}
	}
	res.Duration = time.Since(start)

	if f.archive != nil {
		if productID == "" {
			productID = utils.ProductID(rawURL)
		}
		path, err := f.archive.SaveHTML(productID, res.HTML)
		if err != nil {
			f.logger.Warn("failed to archive html", zap.String("url", pageURL), zap.Error(err))
		}
		res.ArchivePath = path
	}
	if f.cache != nil {
		if err := f.cache.Set(ctx, pageURL, res.HTML); err != nil {
			f.logger.Warn("failed to cache page", zap.String("url", pageURL), zap.Error(err))
		}
	}
	return res, nil
}

// FetchPlain performs one short direct GET with no rendering, retries or
// cache. It is used to read tags a rendered document may have dropped.
func (f *Fetcher) FetchPlain(ctx context.Context, rawURL string) (string, error) {
	u, err := utils.ValidateURL(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("%w: waiting for fetch slot: %v", domain.ErrCancelled, err)
	}
	defer f.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, plainTimeout)
	defer cancel()
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}
	html, _, err := f.get(ctx, u.String())
	if err != nil {
		f.metrics.IncFetch(SourcePlain, "error")
		return "", err
	}
	f.metrics.IncFetch(SourcePlain, "ok")
	return html, nil
}

func (f *Fetcher) fromCache(ctx context.Context, pageURL string) *FetchResult {
	if f.cache == nil {
		return nil
	}
	html, ok, err := f.cache.Get(ctx, pageURL)
	if err != nil {
		f.logger.Warn("page cache lookup failed", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	f.metrics.IncFetch(SourceCache, "ok")
	return &FetchResult{URL: pageURL, HTML: html, Source: SourceCache, StatusCode: http.StatusOK}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, pageURL, host string) (*FetchResult, error) {
	var lastErr error
	for attempt := 0; attempt < f.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.backoff(attempt-1)); err != nil {
				return nil, fmt.Errorf("%w: backoff for %s: %v", domain.ErrCancelled, pageURL, err)
			}
		}
		if err := f.limiter(host).Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait for %s: %v", domain.ErrCancelled, pageURL, err)
		}

		html, status, err := f.get(ctx, pageURL)
		if err == nil {
			f.metrics.IncFetch(SourceHTTP, "ok")
			return &FetchResult{URL: pageURL, HTML: html, Source: SourceHTTP, StatusCode: status, Attempts: attempt + 1}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrCancelled, pageURL, ctx.Err())
		}
		f.metrics.IncFetch(SourceHTTP, "error")
		if !IsRetryable(err) {
			return nil, fmt.Errorf("fetch %s: %w", pageURL, err)
		}

		f.logger.Warn("fetch attempt failed",
			zap.String("url", pageURL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", f.opts.MaxAttempts),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, fmt.Errorf("fetch %s: giving up after %d attempts: %w", pageURL, f.opts.MaxAttempts, lastErr)
}

// backoff returns base × factor^attempt.
func (f *Fetcher) backoff(attempt int) time.Duration {
	return time.Duration(float64(f.opts.BaseDelay) * math.Pow(f.opts.BackoffFactor, float64(attempt)))
}

func (f *Fetcher) get(ctx context.Context, pageURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", resp.StatusCode, &domain.HTTPStatusError{URL: pageURL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("%w: reading %s: %v", domain.ErrTransientNetwork, pageURL, err)
	}
	return string(body), resp.StatusCode, nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	if v, ok := f.limiters.Load(host); ok {
		return v.(*rate.Limiter)
	}
	limit := rate.Inf
	if f.opts.HostRate > 0 {
		limit = rate.Limit(f.opts.HostRate)
	}
	v, _ := f.limiters.LoadOrStore(host, rate.NewLimiter(limit, 1))
	return v.(*rate.Limiter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrTransientNetwork)
}
