package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDepths struct {
	depths map[string]int64
	err    error
}

func (f *fakeDepths) Length(_ context.Context, key string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.depths[key], nil
}

func newMonitor(depths map[string]int64, retention time.Duration) (*Monitor, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewMonitor(&fakeDepths{depths: depths}, clk, retention, zap.NewNop()), clk
}

func TestClassifyLadder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		depth int64
		want  Status
	}{
		{0, Healthy},
		{499, Healthy},
		{500, Warning},
		{999, Warning},
		{1000, Critical},
		{1200, Critical},
		{1499, Critical},
		{1500, Overloaded},
		{9000, Overloaded},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.depth, 500, 1000), "depth %d", tc.depth)
	}
}

func TestClassifyIsMonotonic(t *testing.T) {
	t.Parallel()

	thresholds := [][2]int64{{1, 2}, {10, 11}, {100, 1000}, {500, 1000}, {7, 333}}
	for _, th := range thresholds {
		prev := Healthy
		for d := int64(0); d <= th[1]*2; d++ {
			got := Classify(d, th[0], th[1])
			require.GreaterOrEqual(t, got, prev, "depth %d thresholds %v", d, th)
			require.Equal(t, 2*d >= 3*th[1], got == Overloaded, "depth %d thresholds %v", d, th)
			prev = got
		}
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "healthy", Healthy.String())
	require.Equal(t, "overloaded", Overloaded.String())
	require.Equal(t, "status(9)", Status(9).String())
	text, err := Critical.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "critical", string(text))
}

func TestGetQueueStatusBetweenCriticalAndOverload(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(map[string]int64{"listings:transformation": 1200}, time.Hour)
	status, err := m.GetQueueStatus(context.Background(), "listings:transformation", 500, 1000)
	require.NoError(t, err)
	require.Equal(t, Critical, status)
}

func TestIsQueueHealthy(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(map[string]int64{"q": 100}, time.Hour)
	ok, err := m.IsQueueHealthy(context.Background(), "q", 100)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.IsQueueHealthy(context.Background(), "q", 101)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDepthErrorsPropagate(t *testing.T) {
	t.Parallel()

	boom := errors.New("store offline")
	m := NewMonitor(&fakeDepths{err: boom}, &fakeClock{}, 0, nil)

	_, err := m.GetQueueStatus(context.Background(), "q", 1, 2)
	require.ErrorIs(t, err, boom)
	_, err = m.GetQueueHealth(context.Background(), "q")
	require.ErrorIs(t, err, boom)
	_, err = m.IsQueueHealthy(context.Background(), "q", 1)
	require.ErrorIs(t, err, boom)
}

func TestRecordAndDerivedFigures(t *testing.T) {
	t.Parallel()

	m, clk := newMonitor(map[string]int64{"q": 7}, time.Hour)

	m.RecordEnqueue("q", 10)
	m.RecordDequeue("q", 4, 2*time.Second)
	m.RecordDequeue("q", 2, 0)
	m.RecordError("q")
	m.RecordEnqueue("q", 0)
	clk.Advance(2 * time.Second)

	h, err := m.GetQueueHealth(context.Background(), "q")
	require.NoError(t, err)
	require.Equal(t, "q", h.Queue)
	require.EqualValues(t, 7, h.Depth)
	require.EqualValues(t, 10, h.Metrics.EnqueueCount)
	require.EqualValues(t, 6, h.Metrics.DequeueCount)
	require.EqualValues(t, 4, h.Metrics.ProcessedCount)
	require.EqualValues(t, 1, h.Metrics.ErrorCount)
	require.InDelta(t, 2.0, h.ProcessingRate, 1e-9)
	require.Equal(t, 500*time.Millisecond, h.AverageProcessingTime)
}

func TestHealthWithoutActivity(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(map[string]int64{"q": 3}, time.Hour)
	h, err := m.GetQueueHealth(context.Background(), "q")
	require.NoError(t, err)
	require.Zero(t, h.ProcessingRate)
	require.Zero(t, h.AverageProcessingTime)
	require.Zero(t, h.Metrics.EnqueueCount)
}

func TestEntriesExpireAfterRetention(t *testing.T) {
	t.Parallel()

	m, clk := newMonitor(nil, time.Minute)
	m.RecordEnqueue("q", 5)
	clk.Advance(30 * time.Second)
	m.RecordEnqueue("q", 1)
	require.EqualValues(t, 6, m.Snapshot("q").EnqueueCount)

	clk.Advance(2 * time.Minute)
	require.Zero(t, m.Snapshot("q").EnqueueCount)

	m.RecordEnqueue("q", 2)
	snap := m.Snapshot("q")
	require.EqualValues(t, 2, snap.EnqueueCount)
	require.Equal(t, clk.Now(), snap.StartedAt)
}

func TestConcurrentRecording(t *testing.T) {
	t.Parallel()

	m, _ := newMonitor(nil, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordEnqueue("q", 1)
			m.RecordDequeue("q", 1, time.Millisecond)
		}()
	}
	wg.Wait()

	snap := m.Snapshot("q")
	require.EqualValues(t, 50, snap.EnqueueCount)
	require.EqualValues(t, 50, snap.ProcessedCount)
}
