package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

const (
	collectKey   = "listings:collection"
	dynamicKey   = "listings:collection-dynamic"
	transformKey = "listings:transformation"
	processKey   = "listings:processing"
)

var epoch = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func common(gov *Governor, rec *fakeRecorder, failures pipeline.FailureHandler) Common {
	return Common{
		Governor: gov,
		Recorder: rec,
		Failures: failures,
		Clock:    &fakeClock{now: epoch},
		Logger:   zap.NewNop(),
	}
}

type countingLoop struct {
	ticks  atomic.Int64
	panics bool
	err    error
}

func (l *countingLoop) Name() string { return "counting" }

func (l *countingLoop) Tick(context.Context) error {
	n := l.ticks.Add(1)
	if l.panics && n%2 == 1 {
		panic("boom")
	}
	return l.err
}

func (l *countingLoop) Delay(context.Context) time.Duration { return time.Millisecond }

func TestRunnerRejectsNonPositiveWorkers(t *testing.T) {
	t.Parallel()

	err := NewRunner(zap.NewNop()).Run(context.Background(), &countingLoop{}, 0)
	require.Error(t, err)
	err = NewRunner(nil).RunAll(context.Background(), Plan{})
	require.Error(t, err)
}

func TestRunnerKeepsLoopingThroughErrorsAndPanics(t *testing.T) {
	t.Parallel()

	loop := &countingLoop{panics: true, err: errors.New("store offline")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRunner(zap.NewNop()).Run(ctx, loop, 3) }()

	require.Eventually(t, func() bool { return loop.ticks.Load() >= 10 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestGovernorWithoutDownstream(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{skip: true}
	gov := NewGovernor(Processing, "", ctrl, settings(), nil)
	ctx := context.Background()

	require.False(t, gov.ShouldSkip(ctx))
	require.Equal(t, 10, gov.BatchSize(ctx))
	require.Equal(t, 10*time.Millisecond, gov.Delay(ctx))
	require.Zero(t, ctrl.calls)
}

func TestGovernorFallsBackOnControllerErrors(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{skip: true, err: errors.New("depth unavailable")}
	gov := NewGovernor(Transformation, processKey, ctrl, settings(), nil)
	ctx := context.Background()

	require.False(t, gov.ShouldSkip(ctx))
	require.Equal(t, 1, gov.BatchSize(ctx))
	require.Equal(t, 10*time.Millisecond, gov.Delay(ctx))
}

func TestGovernorUsesController(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{skip: true}
	gov := NewGovernor(Transformation, processKey, ctrl, settings(), nil)
	ctx := context.Background()

	require.True(t, gov.ShouldSkip(ctx))
	require.Equal(t, 5, gov.BatchSize(ctx))
	require.Equal(t, 30*time.Millisecond, gov.Delay(ctx))
}

func TestGovernorDefaults(t *testing.T) {
	t.Parallel()

	got := NewGovernor(Collection, "", nil, Settings{MinBatch: 5, MaxBatch: 2}, nil).Settings()
	require.Equal(t, time.Second, got.BaseDelay)
	require.Equal(t, 5, got.MinBatch)
	require.Equal(t, 5, got.MaxBatch)
	require.Equal(t, 2*time.Second, got.DequeueTimeout)
}

func TestProcessingIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, processKey)
	upstream := queues[processKey]
	for i, slug := range []string{"a", "b", "explode", "d", "e"} {
		item := newContext(string(rune('1'+i)), pipeline.StateTransformed, "https://example.com/"+slug)
		item.Entities = []pipeline.Entity{{Kind: "event", Slug: slug}}
		require.NoError(t, upstream.Enqueue(ctx, item))
	}

	rec := newFakeRecorder()
	failures := &fakeFailures{}
	publisher := &fakePublisher{}
	processors := pipeline.NewRegistry[pipeline.EntityProcessor]()
	processors.Register("listing", &fakeProcessor{})

	st, err := NewProcessing(ProcessingDeps{
		Common:     common(NewGovernor(Processing, "", nil, settings(), nil), rec, failures),
		Upstream:   upstream,
		Processors: processors,
		Publisher:  publisher,
		Topic:      "listings-completed",
	})
	require.NoError(t, err)
	require.NoError(t, st.Tick(ctx))

	require.Len(t, publisher.messages, 4)
	for _, msg := range publisher.messages {
		require.NotEqual(t, "3", msg.ContextID)
		require.Equal(t, pipeline.StateCompleted, msg.State)
	}
	require.Equal(t, []string{"3"}, failures.ids())
	require.Equal(t, pipeline.StateFailed, failures.items[0].state)
	require.Equal(t, Processing, failures.items[0].stage)
	require.Equal(t, 5, rec.dequeued[processKey])
	require.Equal(t, 1, rec.errors[processKey])

	n, err := upstream.Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProcessingCompletesPartialUpserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	upstream := newQueues(t, processKey)[processKey]
	item := newContext("p1", pipeline.StateTransformed, "https://example.com/p")
	item.Entities = []pipeline.Entity{{Kind: "event", Slug: "ok"}, {Kind: "venue", Slug: "partial"}}
	require.NoError(t, upstream.Enqueue(ctx, item))

	processors := pipeline.NewRegistry[pipeline.EntityProcessor]()
	processors.SetFallback(&fakeProcessor{})
	publisher := &fakePublisher{}
	st, err := NewProcessing(ProcessingDeps{
		Common:     common(NewGovernor(Processing, "", nil, settings(), nil), newFakeRecorder(), &fakeFailures{}),
		Upstream:   upstream,
		Processors: processors,
		Publisher:  publisher,
		Topic:      "done",
	})
	require.NoError(t, err)
	require.NoError(t, st.Tick(ctx))

	require.Len(t, publisher.messages, 1)
	require.Equal(t, []string{"ok"}, publisher.messages[0].Created)
	require.Equal(t, []string{"partial"}, publisher.messages[0].Failed)
	require.Equal(t, []string{"done"}, publisher.topics)
}

func TestProcessingRequiresTopicWithPublisher(t *testing.T) {
	t.Parallel()

	upstream := newQueues(t, processKey)[processKey]
	_, err := NewProcessing(ProcessingDeps{
		Common:     common(NewGovernor(Processing, "", nil, settings(), nil), nil, nil),
		Upstream:   upstream,
		Processors: pipeline.NewRegistry[pipeline.EntityProcessor](),
		Publisher:  &fakePublisher{},
	})
	require.Error(t, err)
}

func TestTransformationForwardsOnlySuccesses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, transformKey, processKey)
	upstream, downstream := queues[transformKey], queues[processKey]

	good := newContext("good", pipeline.StateCollected, "https://example.com/good")
	good.RawData = []byte("<html>event</html>")
	bad := newContext("bad", pipeline.StateCollected, "https://example.com/bad")
	bad.RawData = []byte("<html>garbled</html>")
	unknown := newContext("unknown", pipeline.StateCollected, "https://example.com/other")
	unknown.Sku = "other"
	unknown.RawData = []byte("<html></html>")
	done := newContext("done", pipeline.StateCompleted, "https://example.com/done")
	require.NoError(t, upstream.EnqueueBatch(ctx, []*pipeline.Context{good, bad, unknown, done}))

	transformers := pipeline.NewRegistry[pipeline.Transformer]()
	transformers.Register("listing", fakeTransformer{})
	rec := newFakeRecorder()
	failures := &fakeFailures{}

	st, err := NewTransformation(TransformationDeps{
		Common:       common(NewGovernor(Transformation, processKey, &fakeController{}, settings(), nil), rec, failures),
		Upstream:     upstream,
		Downstream:   downstream,
		Transformers: transformers,
	})
	require.NoError(t, err)
	require.NoError(t, st.Tick(ctx))

	forwarded, err := downstream.DequeueBatch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, forwarded, 1)
	require.Equal(t, "good", forwarded[0].ID)
	require.Equal(t, pipeline.StateTransformed, forwarded[0].State)
	require.Len(t, forwarded[0].Entities, 1)

	require.ElementsMatch(t, []string{"bad", "unknown"}, failures.ids())
	require.Equal(t, 1, rec.enqueued[processKey])
	require.Equal(t, 4, rec.dequeued[transformKey])
	require.Equal(t, 2, rec.errors[transformKey])
}

func TestTransformationSkipsUnderBackpressure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, transformKey, processKey)
	item := newContext("x", pipeline.StateCollected, "https://example.com/x")
	item.RawData = []byte("<html></html>")
	require.NoError(t, queues[transformKey].Enqueue(ctx, item))

	transformers := pipeline.NewRegistry[pipeline.Transformer]()
	transformers.SetFallback(fakeTransformer{})
	st, err := NewTransformation(TransformationDeps{
		Common:       common(NewGovernor(Transformation, processKey, &fakeController{skip: true}, settings(), nil), newFakeRecorder(), nil),
		Upstream:     queues[transformKey],
		Downstream:   queues[processKey],
		Transformers: transformers,
	})
	require.NoError(t, err)
	require.NoError(t, st.Tick(ctx))

	n, err := queues[transformKey].Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestTransformationKeepsFinishedItemsOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queues := newQueues(t, transformKey, processKey)
	upstream, downstream := queues[transformKey], queues[processKey]

	var batch []*pipeline.Context
	for _, id := range []string{"first", "stop", "last"} {
		item := newContext(id, pipeline.StateCollected, "https://example.com/"+id)
		item.RawData = []byte("<html>" + id + "</html>")
		batch = append(batch, item)
	}
	require.NoError(t, upstream.EnqueueBatch(ctx, batch))

	transformers := pipeline.NewRegistry[pipeline.Transformer]()
	transformers.SetFallback(cancellingTransformer{marker: "stop", cancel: cancel})
	failures := &fakeFailures{}
	st, err := NewTransformation(TransformationDeps{
		Common:       common(NewGovernor(Transformation, processKey, &fakeController{}, settings(), nil), newFakeRecorder(), failures),
		Upstream:     upstream,
		Downstream:   downstream,
		Transformers: transformers,
	})
	require.NoError(t, err)
	require.NoError(t, st.Tick(ctx))
	require.Error(t, ctx.Err())

	bg := context.Background()
	pending, err := upstream.Length(bg)
	require.NoError(t, err)
	forwarded, err := downstream.Length(bg)
	require.NoError(t, err)
	require.EqualValues(t, 2, pending)
	require.EqualValues(t, 1, forwarded)
	require.EqualValues(t, len(batch), pending+forwarded)
	require.Empty(t, failures.ids())

	got, ok, err := downstream.Dequeue(bg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", got.ID)
	require.Equal(t, pipeline.StateTransformed, got.State)
}

func newCollection(t *testing.T, queues map[string]*ContextQueue, ctrl Controller, rec *fakeRecorder, failures pipeline.FailureHandler, archive *Archive, sessionErr error) *CollectionStage {
	t.Helper()
	collectors := pipeline.NewRegistry[pipeline.Collector]()
	collectors.Register("listing", fakeCollector{})
	st, err := NewCollection(CollectionDeps{
		Common:     common(NewGovernor(Collection, transformKey, ctrl, settings(), nil), rec, failures),
		Upstream:   []*ContextQueue{queues[dynamicKey], queues[collectKey]},
		Downstream: queues[transformKey],
		Pool:       newPool(t, sessionErr),
		Collectors: collectors,
		Archive:    archive,
	})
	require.NoError(t, err)
	return st
}

func TestCollectionPrefersDynamicQueue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("regular", pipeline.StatePending, "https://example.com/r")))
	require.NoError(t, queues[dynamicKey].Enqueue(ctx, newContext("dynamic", pipeline.StatePending, "https://example.com/d")))

	rec := newFakeRecorder()
	blobs := &fakeBlobStore{}
	st := newCollection(t, queues, &fakeController{}, rec, &fakeFailures{}, &Archive{Store: blobs, Prefix: "/raw/"}, nil)

	require.NoError(t, st.Tick(ctx))
	got, ok, err := queues[transformKey].Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dynamic", got.ID)
	require.Equal(t, pipeline.StateCollected, got.State)
	require.Equal(t, "<html>https://example.com/d</html>", string(got.RawData))
	require.NotNil(t, got.Metadata.CollectedAt)
	require.True(t, got.Metadata.CollectedAt.Equal(epoch))
	require.Equal(t, "mem://raw/listing/dynamic.html", got.Metadata.Tags["raw_uri"])
	require.Contains(t, blobs.objects, "raw/listing/dynamic.html")

	require.NoError(t, st.Tick(ctx))
	got, ok, err = queues[transformKey].Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "regular", got.ID)

	require.Equal(t, 1, rec.dequeued[dynamicKey])
	require.Equal(t, 1, rec.dequeued[collectKey])
	require.Equal(t, 2, rec.enqueued[transformKey])

	require.NoError(t, st.Tick(ctx))
}

func TestCollectionFailsBrokenItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("broken", pipeline.StatePending, "https://example.com/broken")))
	rec := newFakeRecorder()
	failures := &fakeFailures{}
	st := newCollection(t, queues, &fakeController{}, rec, failures, nil, nil)

	require.NoError(t, st.Tick(ctx))
	require.Equal(t, []string{"broken"}, failures.ids())
	require.Equal(t, 1, rec.errors[collectKey])
	n, err := queues[transformKey].Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCollectionRequeuesOnAcquireFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("retry", pipeline.StatePending, "https://example.com/retry")))
	failures := &fakeFailures{}
	st := newCollection(t, queues, &fakeController{}, newFakeRecorder(), failures, nil, errors.New("tab crashed"))

	require.Error(t, st.Tick(ctx))
	require.Empty(t, failures.ids())
	n, err := queues[collectKey].Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestCollectionDropsTerminalItemsAndHonoursBackpressure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("failed", pipeline.StateFailed, "https://example.com/f")))
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("next", pipeline.StatePending, "https://example.com/n")))

	ctrl := &fakeController{}
	st := newCollection(t, queues, ctrl, newFakeRecorder(), &fakeFailures{}, nil, nil)

	require.NoError(t, st.Tick(ctx))
	n, err := queues[transformKey].Length(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ctrl.mu.Lock()
	ctrl.skip = true
	ctrl.mu.Unlock()
	require.NoError(t, st.Tick(ctx))
	n, err = queues[collectKey].Length(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestDeadLetterParksFailedItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, "listings:failed")
	next := &fakeFailures{}
	handler := NewDeadLetter(queues["listings:failed"], next, zap.NewNop())

	item := newContext("dead", pipeline.StateFailed, "https://example.com/dead")
	handler.OnFailure(ctx, Transformation, item, errors.New("bad markup"))

	got, ok, err := queues["listings:failed"].Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dead", got.ID)
	require.Equal(t, Transformation, got.Metadata.Tags["failed_stage"])
	require.Equal(t, []string{"dead"}, next.ids())
}

func TestCollectionTagsContentDigest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("hashed", pipeline.StatePending, "https://example.com/h")))

	collectors := pipeline.NewRegistry[pipeline.Collector]()
	collectors.SetFallback(fakeCollector{})
	st, err := NewCollection(CollectionDeps{
		Common:     common(NewGovernor(Collection, transformKey, &fakeController{}, settings(), nil), newFakeRecorder(), &fakeFailures{}),
		Upstream:   []*ContextQueue{queues[dynamicKey], queues[collectKey]},
		Downstream: queues[transformKey],
		Pool:       newPool(t, nil),
		Collectors: collectors,
		Hasher:     sha256.New(),
	})
	require.NoError(t, err)

	require.NoError(t, st.Tick(ctx))
	got, ok, err := queues[transformKey].Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	want, err := sha256.New().Hash([]byte("<html>https://example.com/h</html>"))
	require.NoError(t, err)
	require.Equal(t, want, got.Metadata.Tags["content_sha256"])
}

func TestCollectionRetriesCleanlyAfterInterruptedArchive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	queues := newQueues(t, dynamicKey, collectKey, transformKey)
	require.NoError(t, queues[collectKey].Enqueue(ctx, newContext("x", pipeline.StatePending, "https://example.com/x")))

	blobs := &interruptingBlobStore{cancel: cancel}
	failures := &fakeFailures{}
	collectors := pipeline.NewRegistry[pipeline.Collector]()
	collectors.SetFallback(fakeCollector{})
	st, err := NewCollection(CollectionDeps{
		Common:     common(NewGovernor(Collection, transformKey, &fakeController{}, settings(), nil), newFakeRecorder(), failures),
		Upstream:   []*ContextQueue{queues[dynamicKey], queues[collectKey]},
		Downstream: queues[transformKey],
		Pool:       newPool(t, nil),
		Collectors: collectors,
		Archive:    &Archive{Store: blobs},
		Hasher:     sha256.New(),
	})
	require.NoError(t, err)

	require.NoError(t, st.Tick(ctx))
	require.Error(t, ctx.Err())

	bg := context.Background()
	pending, err := queues[collectKey].Length(bg)
	require.NoError(t, err)
	forwarded, err := queues[transformKey].Length(bg)
	require.NoError(t, err)
	require.EqualValues(t, 1, pending+forwarded)
	require.EqualValues(t, 1, pending)

	requeued, ok, err := queues[collectKey].Dequeue(bg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pipeline.StatePending, requeued.State)
	require.Nil(t, requeued.RawData)
	require.Nil(t, requeued.Metadata.CollectedAt)
	require.NotContains(t, requeued.Metadata.Tags, "content_sha256")
	require.NoError(t, queues[collectKey].Enqueue(bg, requeued))

	require.NoError(t, st.Tick(bg))
	require.Empty(t, failures.ids())
	got, ok, err := queues[transformKey].Dequeue(bg)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", got.ID)
	require.Equal(t, pipeline.StateCollected, got.State)
	require.Equal(t, "mem://listing/x.html", got.Metadata.Tags["raw_uri"])
	require.NotEmpty(t, got.Metadata.Tags["content_sha256"])
	require.Contains(t, blobs.objects, "listing/x.html")
}
