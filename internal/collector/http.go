package collector

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// HTTPConfig controls the plain HTTP collector.
type HTTPConfig struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// HTTP fetches pages without rendering them. It ignores the browser page and
// suits sources that serve their listings in the initial response.
type HTTP struct {
	cfg           HTTPConfig
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewHTTP builds an HTTP collector.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(&robotsRetryTransport{base: newHTTPTransport()})
	return &HTTP{cfg: cfg, baseCollector: c}
}

var _ pipeline.Collector = (*HTTP)(nil)

// StatusError is a non-2xx response from the origin.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Collect issues a GET for url and returns the response body.
func (h *HTTP) Collect(ctx context.Context, _ pipeline.Page, url string) ([]byte, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := h.buildCollector()
	h.configureHooks(collector, &body, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("http collect canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("response from %s: %w", url, fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
	}
	if len(body) == 0 {
		return nil, ErrEmptyDocument
	}
	return body, nil
}

func (h *HTTP) buildCollector() *colly.Collector {
	collector := h.baseCollector.Clone()
	if h.cfg.UserAgent != "" {
		collector.UserAgent = h.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !h.cfg.RespectRobots
	collector.SetRequestTimeout(h.cfg.Timeout)
	return collector
}

func (h *HTTP) configureHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range h.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = &StatusError{Code: r.StatusCode, Err: err}
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
