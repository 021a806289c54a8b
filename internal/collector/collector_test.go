package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"
)

type recordingPage struct {
	actions int
	err     error
}

func (p *recordingPage) Run(_ context.Context, actions ...chromedp.Action) error {
	p.actions = len(actions)
	return p.err
}

func TestBrowserCollectPropagatesPageErrors(t *testing.T) {
	t.Parallel()

	page := &recordingPage{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	_, err := NewBrowser(BrowserConfig{}).Collect(context.Background(), page, "https://example.invalid")
	require.ErrorIs(t, err, page.err)
	require.Equal(t, 4, page.actions)
}

func TestBrowserCollectRejectsEmptyDocument(t *testing.T) {
	t.Parallel()

	page := &recordingPage{}
	_, err := NewBrowser(BrowserConfig{Settle: time.Millisecond}).Collect(context.Background(), page, "https://example.com")
	require.ErrorIs(t, err, ErrEmptyDocument)
	require.Equal(t, 5, page.actions)

	_, err = NewBrowser(BrowserConfig{}).Collect(context.Background(), nil, "https://example.com")
	require.Error(t, err)
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := toNetworkHeaders(http.Header{"X-One": {"a"}, "X-Many": {"b", "c"}})
	require.Equal(t, "a", got["X-One"])
	require.Equal(t, []string{"b", "c"}, got["X-Many"])
}

func TestHTTPCollectReturnsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprintf(w, "<html>%s|%s</html>", r.Header.Get("User-Agent"), r.Header.Get("X-Source"))
	}))
	defer srv.Close()

	c := NewHTTP(HTTPConfig{
		UserAgent: "listing-bot",
		Timeout:   2 * time.Second,
		Headers:   http.Header{"X-Source": {"pipeline"}},
	})
	body, err := c.Collect(context.Background(), nil, srv.URL+"/events")
	require.NoError(t, err)
	require.Equal(t, "<html>listing-bot|pipeline</html>", string(body))

	body, err = c.Collect(context.Background(), nil, srv.URL+"/events")
	require.NoError(t, err)
	require.NotEmpty(t, body)

	_, err = c.Collect(context.Background(), nil, srv.URL+"/missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestHTTPCollectHonoursCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		_, _ = io.WriteString(w, "late")
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTP(HTTPConfig{Timeout: time.Second}).Collect(ctx, nil, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	h := NewHTTP(HTTPConfig{Headers: http.Header{"X-Trace": {"yes"}}})
	var (
		body     []byte
		fetchErr error
	)
	hooks := &stubHooks{}
	h.configureHooks(hooks, &body, &fetchErr)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{Body: []byte("payload")})
	require.Equal(t, "payload", string(body))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.EqualError(t, fetchErr, "status 502: Bad Gateway")
	var statusErr *StatusError
	require.ErrorAs(t, fetchErr, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.Code)
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
