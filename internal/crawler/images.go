package crawler

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/user/product-ingest/internal/domain"
	"github.com/user/product-ingest/pkg/utils"
)

const (
	minImageSide       = 100
	maxStructuredImage = 3
)

var (
	lazySrcAttrs = []string{"src", "data-src", "data-lazy-src", "data-original"}

	skipPatterns = []string{
		"favicon", "logo", "icon", "sprite", "banner", "btn", "button", "arrow", "star", "rating",
		"placeholder", "loading", "blank", "transparent",
	}

	metaImageSelectors = []struct{ selector, label string }{
		{`meta[property="og:image"]`, "og:image"},
		{`meta[property="og:image:secure_url"]`, "og:image"},
		{`meta[name="twitter:image"]`, "twitter:image"},
		{`meta[property="twitter:image"]`, "twitter:image"},
	}
)

// imageCollector accumulates candidates in priority order, deduplicated by
// absolute URL with the first occurrence kept.
type imageCollector struct {
	base   *url.URL
	limit  int
	seen   map[string]bool
	images []domain.ProductImage
}

func newImageCollector(base *url.URL, limit int) *imageCollector {
	return &imageCollector{base: base, limit: limit, seen: make(map[string]bool)}
}

func (c *imageCollector) full() bool {
	return c.limit > 0 && len(c.images) >= c.limit
}

func (c *imageCollector) add(raw string, img domain.ProductImage) bool {
	if c.full() {
		return false
	}
	abs, ok := c.resolve(raw)
	if !ok || c.seen[abs] {
		return false
	}
	c.seen[abs] = true
	img.SourceURL = abs
	c.images = append(c.images, img)
	return true
}

func (c *imageCollector) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "data:") {
		return "", false
	}
	abs, err := utils.ToAbsoluteURL(c.base, raw)
	if err != nil {
		return "", false
	}
	if !strings.HasPrefix(abs, "http://") && !strings.HasPrefix(abs, "https://") {
		return "", false
	}
	return abs, true
}

// addMeta collects open-graph and twitter card images.
func (c *imageCollector) addMeta(doc *goquery.Document) {
	for _, m := range metaImageSelectors {
		doc.Find(m.selector).Each(func(_ int, s *goquery.Selection) {
			content, _ := s.Attr("content")
			c.add(content, domain.ProductImage{Role: domain.RoleMain, AltText: "Product image from " + m.label})
		})
	}
}

// addStructured collects images of schema.org Product blocks in JSON-LD.
func (c *imageCollector) addStructured(doc *goquery.Document) {
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return
		}
		for _, product := range findProducts(data) {
			for i, src := range imageURLs(product["image"]) {
				if i >= maxStructuredImage {
					break
				}
				c.add(src, domain.ProductImage{Role: domain.RoleMain, AltText: "Product image from structured data"})
			}
		}
	})
}

// addInline collects <img> tags, skipping small images and decorative files.
func (c *imageCollector) addInline(doc *goquery.Document) {
	doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if c.full() {
			return false
		}
		var src string
		for _, attr := range lazySrcAttrs {
			if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
				src = v
				break
			}
		}
		abs, ok := c.resolve(src)
		if !ok {
			return true
		}

		width, wOK := intAttr(s, "width")
		height, hOK := intAttr(s, "height")
		if wOK && hOK && (width < minImageSide || height < minImageSide) {
			return true
		}
		if isDecorative(abs) {
			return true
		}

		alt, _ := s.Attr("alt")
		c.add(abs, domain.ProductImage{
			Role:    classifyRole(abs),
			AltText: strings.TrimSpace(alt),
			Width:   width,
			Height:  height,
		})
		return true
	})
}

func intAttr(s *goquery.Selection, name string) (int, bool) {
	v, ok := s.Attr(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDecorative(src string) bool {
	lower := strings.ToLower(src)
	for _, p := range skipPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// classifyRole guesses an inline image's role from its URL.
func classifyRole(src string) domain.ImageRole {
	lower := strings.ToLower(src)
	switch {
	case containsAny(lower, "thumb", "small", "mini"):
		return domain.RoleThumbnail
	case containsAny(lower, "main", "primary"):
		return domain.RoleMain
	default:
		return domain.RoleDetail
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// findProducts walks decoded JSON-LD and returns every object typed Product,
// including ones nested in arrays or @graph.
func findProducts(v any) []map[string]any {
	var out []map[string]any
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = append(out, findProducts(item)...)
		}
	case map[string]any:
		if isProductType(t["@type"]) {
			out = append(out, t)
		}
		if graph, ok := t["@graph"]; ok {
			out = append(out, findProducts(graph)...)
		}
	}
	return out
}

func isProductType(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "Product"
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

// imageURLs normalises the many shapes of a schema.org image property.
func imageURLs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]any:
		if u, ok := t["url"].(string); ok {
			return []string{u}
		}
		if u, ok := t["contentUrl"].(string); ok {
			return []string{u}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, imageURLs(item)...)
		}
		return out
	}
	return nil
}
