package imageproc

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	// Registers the WebP decoder with image.Decode.
	_ "golang.org/x/image/webp"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/internal/monitoring"
)

// ImageStore keeps processed image files on local disk.
type ImageStore interface {
	SaveImage(name string, data []byte) (string, error)
}

// Options control download limits and output normalisation.
type Options struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBytes      int64
	MaxWidth      int
	MaxHeight     int
	ConvertToJPEG bool
	Quality       int
	Concurrency   int
}

// Processor downloads, reorients, resizes and re-encodes candidate images.
type Processor struct {
	client  *http.Client
	store   ImageStore
	opts    Options
	logger  *zap.Logger
	metrics *monitoring.Metrics
}

func NewProcessor(client *http.Client, store ImageStore, opts Options, logger *zap.Logger, metrics *monitoring.Metrics) *Processor {
	if client == nil {
		client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 3
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = 90
	}
	return &Processor{client: client, store: store, opts: opts, logger: logger, metrics: metrics}
}

// Process handles every candidate of one product and returns updated copies
// in the same order. It never fails: a problem with one image is recorded on
// that image's Error field and Processed stays false.
func (p *Processor) Process(ctx context.Context, productID string, images []domain.ProductImage) []domain.ProductImage {
	out := make([]domain.ProductImage, len(images))
	copy(out, images)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i := range out {
		g.Go(func() error {
			img := &out[i]
			if err := p.processOne(gctx, productID, i, img); err != nil {
				img.Processed = false
				img.LocalPath = ""
				img.Error = err.Error()
				p.metrics.IncImage("failed")
				p.logger.Warn("image processing failed",
					zap.String("product_id", productID),
					zap.String("url", img.SourceURL),
					zap.Error(err),
				)
				return nil
			}
			p.metrics.IncImage("ok")
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Processor) processOne(ctx context.Context, productID string, index int, img *domain.ProductImage) error {
	data, err := p.download(ctx, img.SourceURL)
	if err != nil {
		return err
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: unrecognised image: %v", domain.ErrParseFailure, err)
	}
	decoded, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrParseFailure, format, err)
	}

	decoded = p.fit(decoded)
	encoded, ext, contentType, err := p.encode(decoded, format)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s_%02d.%s", productID, index, ext)
	path, err := p.store.SaveImage(name, encoded)
	if err != nil {
		return fmt.Errorf("%w: save %s: %v", domain.ErrWriteFailure, name, err)
	}

	bounds := decoded.Bounds()
	img.LocalPath = path
	img.ContentType = contentType
	img.Width = bounds.Dx()
	img.Height = bounds.Dy()
	img.Processed = true
	img.Error = ""
	return nil
}

func (p *Processor) download(ctx context.Context, src string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", domain.ErrTransientNetwork, src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &domain.HTTPStatusError{URL: src, StatusCode: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !isImageType(ct) {
		return nil, fmt.Errorf("%w: unexpected content type %q", domain.ErrParseFailure, ct)
	}
	if p.opts.MaxBytes > 0 && resp.ContentLength > p.opts.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrTooLarge, resp.ContentLength, p.opts.MaxBytes)
	}

	var body io.Reader = resp.Body
	if p.opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, p.opts.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrTransientNetwork, src, err)
	}
	if p.opts.MaxBytes > 0 && int64(len(data)) > p.opts.MaxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrTooLarge, p.opts.MaxBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image body", domain.ErrParseFailure)
	}
	return data, nil
}

// fit scales img down to the configured bounds, keeping its aspect ratio.
func (p *Processor) fit(img image.Image) image.Image {
	b := img.Bounds()
	maxW, maxH := p.opts.MaxWidth, p.opts.MaxHeight
	if maxW <= 0 {
		maxW = b.Dx()
	}
	if maxH <= 0 {
		maxH = b.Dy()
	}
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

// encode writes img as JPEG when conversion is enabled, flattening any
// transparency onto white. Otherwise the source format is kept when it can be
// encoded.
func (p *Processor) encode(img image.Image, format string) ([]byte, string, string, error) {
	target := imaging.JPEG
	if !p.opts.ConvertToJPEG {
		if f, err := imaging.FormatFromExtension(format); err == nil && (f == imaging.PNG || f == imaging.GIF) {
			target = f
		}
	}
	if target == imaging.JPEG {
		b := img.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), color.White)
		img = imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, target, imaging.JPEGQuality(p.opts.Quality)); err != nil {
		return nil, "", "", fmt.Errorf("encode image: %w", err)
	}
	switch target {
	case imaging.PNG:
		return buf.Bytes(), "png", "image/png", nil
	case imaging.GIF:
		return buf.Bytes(), "gif", "image/gif", nil
	default:
		return buf.Bytes(), "jpg", "image/jpeg", nil
	}
}

func isImageType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/octet-stream") || strings.HasPrefix(ct, "binary/octet-stream")
}
