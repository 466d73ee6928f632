package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/pkg/utils"
)

// Generator runs a prompt against a generative model.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// PageSource performs the secondary plain fetch used for meta images.
type PageSource interface {
	FetchPlain(ctx context.Context, url string) (string, error)
}

// ExtractorOptions bound the extraction work.
type ExtractorOptions struct {
	CharBudget      int
	MaxImages       int
	DefaultCurrency string
}

// Extractor turns a fetched page into a ProductRecord.
type Extractor struct {
	gen    Generator
	pages  PageSource
	opts   ExtractorOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewExtractor creates an Extractor. pages may be nil to skip the secondary
// plain fetch.
func NewExtractor(gen Generator, pages PageSource, opts ExtractorOptions, logger *zap.Logger) *Extractor {
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "KRW"
	}
	return &Extractor{gen: gen, pages: pages, opts: opts, logger: logger, now: time.Now}
}

// Extract builds the product record for pageURL.
//
// The returned error wraps domain.ErrParseFailure when the page cannot be
// read and domain.ErrCancelled when ctx ends. When only the model step fails
// the record is still returned, filled from HTML fallbacks, together with an
// error wrapping domain.ErrUpstreamModel.
func (e *Extractor) Extract(ctx context.Context, content, pageURL, productID string) (*domain.ProductRecord, error) {
	base, err := utils.ValidateURL(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty document", domain.ErrParseFailure)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
	}
	text, err := CleanHTML(content, e.opts.CharBudget)
	if err != nil {
		return nil, err
	}

	var (
		images []domain.ProductImage
		reply  *extractionReply
		aiErr  error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		images = e.discoverImages(gctx, doc, base.String())
		return nil
	})
	g.Go(func() error {
		reply, aiErr = e.askModel(gctx, base.String(), text)
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: extract %s: %v", domain.ErrCancelled, pageURL, ctx.Err())
	}

	now := e.now()
	rec := &domain.ProductRecord{
		ProductID: productID,
		Currency:  e.opts.DefaultCurrency,
		Images:    images,
		Source: domain.SourceInfo{
			URL:        pageURL,
			CrawledAt:  now,
			HTMLLength: len(content),
		},
		Processing: domain.ProcessingInfo{
			ExtractedAt:     now,
			ImageCandidates: len(images),
		},
	}
	if reply != nil {
		applyReply(rec, reply)
	}
	applyHTMLFallbacks(rec, doc)

	if aiErr != nil {
		rec.Processing.ExtractionError = aiErr.Error()
		e.logger.Warn("model extraction failed, using html fallbacks",
			zap.String("product_id", productID),
			zap.String("url", pageURL),
			zap.Error(aiErr),
		)
		return rec, aiErr
	}

	e.logger.Info("extracted product",
		zap.String("product_id", productID),
		zap.String("name", rec.Name),
		zap.Int("images", len(images)),
		zap.Int("text_chars", len(text)),
	)
	return rec, nil
}

func (e *Extractor) askModel(ctx context.Context, pageURL, text string) (*extractionReply, error) {
	if e.gen == nil {
		return nil, fmt.Errorf("%w: no generator configured", domain.ErrUpstreamModel)
	}
	raw, err := e.gen.Generate(ctx, BuildPrompt(pageURL, text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamModel, err)
	}
	return ParseReply(raw)
}

// discoverImages gathers candidates in priority order: meta tags of a plain
// fetch, meta tags of the given document, JSON-LD, then inline images.
func (e *Extractor) discoverImages(ctx context.Context, doc *goquery.Document, pageURL string) []domain.ProductImage {
	base, _ := utils.ValidateURL(pageURL)
	c := newImageCollector(base, e.opts.MaxImages)

	if e.pages != nil {
		plain, err := e.pages.FetchPlain(ctx, pageURL)
		if err != nil {
			e.logger.Debug("plain fetch for meta images failed", zap.String("url", pageURL), zap.Error(err))
		} else if pdoc, err := goquery.NewDocumentFromReader(strings.NewReader(plain)); err == nil {
			c.addMeta(pdoc)
		}
	}
	c.addMeta(doc)
	c.addStructured(doc)
	c.addInline(doc)
	return c.images
}

func applyReply(rec *domain.ProductRecord, r *extractionReply) {
	rec.Name = strings.TrimSpace(r.Name)
	rec.Description = strings.TrimSpace(r.Description)
	rec.Category = strings.TrimSpace(r.Category)
	rec.Brand = strings.TrimSpace(r.Brand)
	rec.ProductCode = strings.TrimSpace(r.ProductCode)
	rec.Price = r.Price.Value
	if c := strings.ToUpper(strings.TrimSpace(r.Currency)); c != "" {
		rec.Currency = c
	}
	rec.Specifications = r.Specifications

	origin := r.OriginCountry
	if origin == "" {
		origin = r.Origin
	}
	rec.Attributes = r.Attributes
	rec.Attributes.Set("manufacturer", strings.TrimSpace(r.Manufacturer))
	rec.Attributes.Set("origin_country", strings.TrimSpace(origin))
	rec.Attributes.Set("model_name", strings.TrimSpace(r.ModelName))
	rec.Attributes.Set("product_status", strings.TrimSpace(r.ProductStatus))
}

// applyHTMLFallbacks fills name and description from the page itself when
// the model left them empty.
func applyHTMLFallbacks(rec *domain.ProductRecord, doc *goquery.Document) {
	if rec.Name == "" {
		rec.Name = firstNonEmpty(
			metaContent(doc, `meta[property="og:title"]`),
			doc.Find("title").First().Text(),
			doc.Find("h1").First().Text(),
		)
	}
	if rec.Description == "" {
		rec.Description = firstNonEmpty(
			metaContent(doc, `meta[property="og:description"]`),
			metaContent(doc, `meta[name="description"]`),
		)
	}
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.Join(strings.Fields(v), " "); v != "" {
			return v
		}
	}
	return ""
}
