package collector

import (
	"bytes"
	"context"
	"fmt"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

const defaultPromotionThreshold = 2048

// spaMarkers are mount points left empty by client-side frameworks.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// NeedsRendering reports whether a plain HTTP body probably lacks the listing
// markup and should be rendered in a browser instead. Bodies shorter than
// threshold count only when scripts cover at least a quarter of them.
func NeedsRendering(body []byte, threshold int) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if threshold <= 0 {
		threshold = defaultPromotionThreshold
	}
	if len(body) < threshold && scriptCoverage(body)*4 >= len(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage counts the bytes inside <script> elements, tags included.
// An unterminated tag or element covers the rest of the document.
func scriptCoverage(body []byte) int {
	lower := bytes.ToLower(body)
	openTag, closeTag := []byte("<script"), []byte("</script>")
	covered, pos := 0, 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel < 0 {
			return covered
		}
		start := pos + rel
		end := len(lower)
		if gt := bytes.IndexByte(lower[start:], '>'); gt >= 0 {
			contentStart := start + gt + 1
			if closeAt := bytes.Index(lower[contentStart:], closeTag); closeAt >= 0 {
				end = contentStart + closeAt + len(closeTag)
			}
		}
		covered += end - start
		pos = end
	}
}

// Auto fetches with a cheap HTTP probe and falls back to a browser render when
// the probe fails or its body looks script-driven.
type Auto struct {
	probe     pipeline.Collector
	render    pipeline.Collector
	threshold int
}

// NewAuto combines a probe and a render collector.
func NewAuto(probe, render pipeline.Collector, threshold int) *Auto {
	return &Auto{probe: probe, render: render, threshold: threshold}
}

var _ pipeline.Collector = (*Auto)(nil)

// Collect returns the probe body when it is usable and the rendered DOM otherwise.
// When rendering fails after a successful probe, the probe body is kept.
func (a *Auto) Collect(ctx context.Context, page pipeline.Page, url string) ([]byte, error) {
	body, probeErr := a.probe.Collect(ctx, page, url)
	if probeErr == nil && !NeedsRendering(body, a.threshold) {
		return body, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("auto collect canceled: %w", err)
	}
	rendered, renderErr := a.render.Collect(ctx, page, url)
	switch {
	case renderErr == nil:
		return rendered, nil
	case probeErr == nil && len(body) > 0:
		return body, nil
	case probeErr != nil:
		return nil, fmt.Errorf("probe: %w; render: %w", probeErr, renderErr)
	default:
		return nil, renderErr
	}
}
