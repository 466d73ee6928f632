package crawler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/user/product-ingest/internal/domain"
)

// CleanHTML strips script, style and comment nodes, collapses whitespace and
// truncates the remaining text to budget runes. A budget of zero or less
// disables truncation.
func CleanHTML(content string, budget int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrParseFailure, err)
	}
	doc.Find("script, style, noscript, template, svg").Remove()

	var b strings.Builder
	for _, n := range doc.Nodes {
		writeText(&b, n)
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	return truncateRunes(text, budget), nil
}

// writeText appends the text nodes under n separated by spaces so adjacent
// block elements do not run together. Comment nodes are skipped.
func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}

func truncateRunes(s string, budget int) string {
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	runes := []rune(s)
	return string(runes[:budget]) + "..."
}
