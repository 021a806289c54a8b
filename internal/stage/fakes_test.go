package stage

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/browser"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
	"github.com/JakeFAU/listing-pipeline/internal/queue"
	"github.com/JakeFAU/listing-pipeline/internal/queue/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeController struct {
	mu    sync.Mutex
	skip  bool
	err   error
	calls int
}

func (c *fakeController) ShouldApplyBackPressure(context.Context, string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.skip, c.err
}

func (c *fakeController) CalculateAdaptiveBatchSize(_ context.Context, _ string, minSize, maxSize int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return (minSize + maxSize) / 2, nil
}

func (c *fakeController) CalculateAdaptiveDelay(_ context.Context, _ string, base time.Duration) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	return 3 * base, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	enqueued map[string]int
	dequeued map[string]int
	errors   map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{enqueued: map[string]int{}, dequeued: map[string]int{}, errors: map[string]int{}}
}

func (r *fakeRecorder) RecordEnqueue(key string, count int) {
	r.mu.Lock()
	r.enqueued[key] += count
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordDequeue(key string, count int, _ time.Duration) {
	r.mu.Lock()
	r.dequeued[key] += count
	r.mu.Unlock()
}

func (r *fakeRecorder) RecordError(key string) {
	r.mu.Lock()
	r.errors[key]++
	r.mu.Unlock()
}

type failure struct {
	stage string
	id    string
	state pipeline.State
	err   string
}

type fakeFailures struct {
	mu    sync.Mutex
	items []failure
}

func (f *fakeFailures) OnFailure(_ context.Context, stage string, item *pipeline.Context, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, failure{stage: stage, id: item.ID, state: item.State, err: err.Error()})
}

func (f *fakeFailures) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it.id)
	}
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []Completion
	topics   []string
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.topics = append(p.topics, topic)
	p.messages = append(p.messages, payload.(Completion))
	return "msg", nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string]string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string]string{}
	}
	b.objects[path] = string(data)
	return "mem://" + path, nil
}

type fakeCollector struct{}

func (fakeCollector) Collect(ctx context.Context, page pipeline.Page, url string) ([]byte, error) {
	if page == nil {
		return nil, errors.New("no page")
	}
	if err := page.Run(ctx); err != nil {
		return nil, err
	}
	if strings.Contains(url, "broken") {
		return nil, errors.New("navigation failed")
	}
	return []byte("<html>" + url + "</html>"), nil
}

type fakeTransformer struct{}

func (fakeTransformer) Transform(_ context.Context, raw []byte) ([]pipeline.Entity, error) {
	if strings.Contains(string(raw), "garbled") {
		return nil, errors.New("no structured data")
	}
	return []pipeline.Entity{{Kind: "event", Slug: "show", Name: "Show"}}, nil
}

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
}

func (p *fakeProcessor) Upsert(_ context.Context, entities []pipeline.Entity) (pipeline.UpsertResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	var result pipeline.UpsertResult
	for _, e := range entities {
		switch e.Slug {
		case "explode":
			return pipeline.UpsertResult{}, errors.New("constraint violation")
		case "partial":
			result.Failed = append(result.Failed, e.Slug)
		default:
			result.Created = append(result.Created, e.Slug)
		}
	}
	return result, nil
}

type fakeSession struct{}

func (fakeSession) Run(context.Context, ...chromedp.Action) error { return nil }
func (fakeSession) Valid() bool                                   { return true }
func (fakeSession) Close() error                                  { return nil }

type fakeInstance struct {
	err error
}

func (i fakeInstance) NewSession(context.Context) (browser.Session, error) {
	if i.err != nil {
		return nil, i.err
	}
	return fakeSession{}, nil
}

func (fakeInstance) Close() error { return nil }

type fakeLauncher struct {
	sessionErr error
}

func (l fakeLauncher) Launch(context.Context) (browser.Instance, error) {
	return fakeInstance{err: l.sessionErr}, nil
}

func newPool(t *testing.T, sessionErr error) *browser.Pool {
	t.Helper()
	pool, err := browser.NewPool(browser.Config{Instances: 1, ContextConcurrency: 2}, fakeLauncher{sessionErr: sessionErr}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newQueues(t *testing.T, keys ...string) map[string]*ContextQueue {
	t.Helper()
	client := queue.NewClient(memory.NewStore(), zap.NewNop(), queue.WithPollInterval(5*time.Millisecond))
	t.Cleanup(func() { _ = client.Close() })
	out := make(map[string]*ContextQueue, len(keys))
	for _, key := range keys {
		out[key] = queue.Open(client, queue.NewConfig[*pipeline.Context](key))
	}
	return out
}

func newContext(id string, state pipeline.State, url string) *pipeline.Context {
	return &pipeline.Context{
		ID:       id,
		JobID:    "job-1",
		Sku:      "listing",
		State:    state,
		Metadata: pipeline.Metadata{URL: url},
	}
}

func settings() Settings {
	return Settings{Workers: 1, BaseDelay: 10 * time.Millisecond, MinBatch: 1, MaxBatch: 10, DequeueTimeout: 30 * time.Millisecond}
}

// cancellingTransformer cancels the tick context when it sees marker.
type cancellingTransformer struct {
	marker string
	cancel context.CancelFunc
}

func (c cancellingTransformer) Transform(ctx context.Context, raw []byte) ([]pipeline.Entity, error) {
	if strings.Contains(string(raw), c.marker) {
		c.cancel()
		return nil, ctx.Err()
	}
	return fakeTransformer{}.Transform(ctx, raw)
}

// interruptingBlobStore cancels the first upload and stores every later one.
type interruptingBlobStore struct {
	fakeBlobStore
	cancel context.CancelFunc
	calls  atomic.Int64
}

func (b *interruptingBlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	if b.calls.Add(1) == 1 {
		b.cancel()
		return "", ctx.Err()
	}
	return b.fakeBlobStore.PutObject(ctx, path, contentType, r)
}
