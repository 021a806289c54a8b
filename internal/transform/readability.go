package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	nurl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// fallbackBase resolves relative links when a page declares no canonical URL.
var fallbackBase = &nurl.URL{Scheme: "https", Host: "listing.invalid"}

// Readability summarises pages without structured data as a single page entity.
type Readability struct{}

// NewReadability creates a Readability transformer.
func NewReadability() *Readability {
	return &Readability{}
}

var _ pipeline.Transformer = (*Readability)(nil)

// Transform extracts the main article of raw HTML.
func (t *Readability) Transform(_ context.Context, raw []byte) ([]pipeline.Entity, error) {
	base := canonicalURL(raw)
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(raw), base)
	if err != nil {
		return nil, fmt.Errorf("readability parse: %w", err)
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		return nil, ErrNoEntities
	}

	attrs := map[string]any{}
	setIf(attrs, "excerpt", strings.TrimSpace(article.Excerpt))
	setIf(attrs, "byline", strings.TrimSpace(article.Byline))
	setIf(attrs, "site_name", strings.TrimSpace(article.SiteName))
	if article.PublishedTime != nil {
		attrs["published"] = article.PublishedTime.UTC().Format(time.RFC3339)
	}
	if base != fallbackBase {
		attrs["url"] = base.String()
	}
	return []pipeline.Entity{{Kind: KindPage, Slug: Slugify(title), Name: title, Attributes: attrs}}, nil
}

func canonicalURL(raw []byte) *nurl.URL {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return fallbackBase
	}
	for _, sel := range []string{`link[rel="canonical"]`, `meta[property="og:url"]`} {
		node := doc.Find(sel).First()
		href, ok := node.Attr("href")
		if !ok {
			href, ok = node.Attr("content")
		}
		if !ok {
			continue
		}
		if u, err := nurl.Parse(strings.TrimSpace(href)); err == nil && u.IsAbs() {
			return u
		}
	}
	return fallbackBase
}

// Chain tries transformers in order and returns the first non-empty result.
type Chain []pipeline.Transformer

// Transform runs each transformer until one yields entities.
func (c Chain) Transform(ctx context.Context, raw []byte) ([]pipeline.Entity, error) {
	var errs []error
	for _, t := range c {
		entities, err := t.Transform(ctx, raw)
		if err == nil && len(entities) > 0 {
			return entities, nil
		}
		if err != nil && !errors.Is(err, ErrNoEntities) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(append([]error{ErrNoEntities}, errs...)...)
	}
	return nil, ErrNoEntities
}
