// Package collector contains the default raw-payload collectors.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// ErrEmptyDocument is returned when a page rendered no markup.
var ErrEmptyDocument = errors.New("empty document")

// BrowserConfig controls the rendered-page collector.
type BrowserConfig struct {
	// WaitSelector must be visible before the DOM is captured. Defaults to body.
	WaitSelector string
	// Settle is an extra pause after the selector appears for late scripts.
	Settle            time.Duration
	NavigationTimeout time.Duration
	Headers           http.Header
}

// Browser renders pages in a leased browser context and returns the DOM.
type Browser struct {
	cfg BrowserConfig
}

// NewBrowser creates a Browser collector.
func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	return &Browser{cfg: cfg}
}

var _ pipeline.Collector = (*Browser)(nil)

// Collect navigates page to url and returns the outer HTML of the document.
func (b *Browser) Collect(ctx context.Context, page pipeline.Page, url string) ([]byte, error) {
	if page == nil {
		return nil, errors.New("browser collector requires a page")
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.NavigationTimeout)
	defer cancel()

	var html string
	if err := page.Run(ctx, b.actions(url, &html)...); err != nil {
		return nil, fmt.Errorf("render %s: %w", url, err)
	}
	if html == "" {
		return nil, ErrEmptyDocument
	}
	return []byte(html), nil
}

func (b *Browser) actions(url string, html *string) []chromedp.Action {
	actions := []chromedp.Action{
		b.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady(b.cfg.WaitSelector, chromedp.ByQuery),
	}
	if b.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.Settle))
	}
	return append(actions, chromedp.OuterHTML("html", html, chromedp.ByQuery))
}

func (b *Browser) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(b.cfg.Headers) == 0 {
			return nil
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(b.cfg.Headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		if len(values) == 1 {
			out[key] = values[0]
			continue
		}
		out[key] = values
	}
	return out
}
