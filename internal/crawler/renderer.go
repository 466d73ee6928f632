package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/product-ingest/internal/domain"
)

// ChromeRenderer renders pages with headless Chrome. Allocators are pooled
// and reused across renders.
type ChromeRenderer struct {
	allocatorPool sync.Pool
	timeout       time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewChromeRenderer creates a renderer and pre-warms size allocators.
func NewChromeRenderer(userAgent string, timeout time.Duration, size int, logger *zap.Logger) *ChromeRenderer {
	r := &ChromeRenderer{timeout: timeout, logger: logger}
	r.allocatorPool.New = func() interface{} {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.UserAgent(userAgent),
		)
		allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
		r.mu.Lock()
		r.cancels = append(r.cancels, cancel)
		r.mu.Unlock()
		return allocCtx
	}

	for i := 0; i < size; i++ {
		allocCtx := r.allocatorPool.Get().(context.Context)
		r.allocatorPool.Put(allocCtx)
	}
	return r
}

// Render navigates to url, waits for the body and returns the outer HTML.
// A document response of 400 or above is reported as an HTTPStatusError.
func (r *ChromeRenderer) Render(ctx context.Context, url string) (string, error) {
	allocCtx := r.allocatorPool.Get().(context.Context)
	defer r.allocatorPool.Put(allocCtx)

	taskCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(r.logger.Sugar().Debugf))
	defer cancel()
	taskCtx, cancelTimeout := context.WithTimeout(taskCtx, r.timeout)
	defer cancelTimeout()

	// The allocator context is detached from ctx, so forward cancellation.
	stop := context.AfterFunc(ctx, cancelTimeout)
	defer stop()

	var status atomic.Int64
	chromedp.ListenTarget(taskCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok && resp.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, resp.Response.Status)
		}
	})

	var html string
	start := time.Now()
	err := chromedp.Run(taskCtx,
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitVisible("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		return "", fmt.Errorf("%w: render %s: %v", domain.ErrTransientNetwork, url, err)
	}
	if code := status.Load(); code >= 400 {
		return "", &domain.HTTPStatusError{URL: url, StatusCode: int(code)}
	}

	r.logger.Debug("rendered page", zap.String("url", url), zap.Duration("duration", time.Since(start)))
	return html, nil
}

// Close shuts down every browser started by the pool.
func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}
