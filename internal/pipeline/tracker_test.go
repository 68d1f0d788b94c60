package pipeline

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTracker_InitialState(t *testing.T) {
	tr := NewTracker()
	s := tr.Snapshot()

	assert.Equal(t, 0, s.TotalPages)
	assert.Equal(t, "idle", s.StatusMessage)
	assert.Equal(t, UnknownRemaining, s.EstimatedRemaining)
	assert.False(t, s.Complete)
}

func TestTracker_Progress(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(WithClock(clock.Now))

	tr.Reset(4)
	s := tr.Snapshot()
	assert.Equal(t, 4, s.TotalPages)
	assert.Equal(t, 0, s.ProcessedPages)
	assert.Equal(t, clock.Now(), s.StartTime)
	assert.Equal(t, UnknownRemaining, s.EstimatedRemaining)

	clock.Advance(10 * time.Second)
	tr.PageDone(0)
	s = tr.Snapshot()
	assert.Equal(t, 1, s.ProcessedPages)
	assert.Equal(t, 1, s.CurrentPage)
	assert.InDelta(t, 25.0, s.Percentage, 0.001)
	// 1 page per 10s, 3 pages left
	assert.Equal(t, "30s", s.EstimatedRemaining)

	clock.Advance(50 * time.Second)
	tr.PageDone(3)
	s = tr.Snapshot()
	assert.Equal(t, 2, s.ProcessedPages)
	assert.Equal(t, 4, s.CurrentPage)
	assert.InDelta(t, 50.0, s.Percentage, 0.001)
	// 2 pages per 60s, 2 pages left
	assert.Equal(t, "1m 00s", s.EstimatedRemaining)
}

func TestTracker_ProcessedNeverExceedsTotal(t *testing.T) {
	tr := NewTracker()
	tr.Reset(2)
	for range 5 {
		tr.PageDone(1)
	}
	s := tr.Snapshot()
	assert.Equal(t, 2, s.ProcessedPages)
	assert.InDelta(t, 100.0, s.Percentage, 0.001)
}

func TestTracker_CompleteFreezes(t *testing.T) {
	tr := NewTracker()
	tr.Reset(2)
	tr.PageDone(0)
	tr.PageDone(1)
	tr.Complete("done")

	s := tr.Snapshot()
	assert.True(t, s.Complete)
	assert.Equal(t, "done", s.StatusMessage)
	assert.Equal(t, "0s", s.EstimatedRemaining)

	// Later updates are ignored
	tr.SetStatus("late")
	tr.PageDone(0)
	tr.Fail(errors.New("late failure"))
	assert.Equal(t, s, tr.Snapshot())

	select {
	case <-tr.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestTracker_Fail(t *testing.T) {
	cb := &recordingCallback{}
	tr := NewTracker(WithCallback(cb))
	tr.Reset(3)
	tr.PageDone(0)
	tr.Fail(errors.New("document is unreadable"))

	s := tr.Snapshot()
	assert.False(t, s.Complete)
	assert.True(t, s.Failed)
	assert.Equal(t, "failed", s.StatusMessage)
	assert.Equal(t, "document is unreadable", s.Error)
	require.Len(t, cb.errors, 1)
	assert.Equal(t, []int{3}, cb.started)
	assert.Equal(t, 0, cb.complete)
}

func TestTracker_ResetReopens(t *testing.T) {
	tr := NewTracker()
	tr.Reset(1)
	tr.Complete("first")
	first := tr.Done()

	tr.Reset(2)
	s := tr.Snapshot()
	assert.False(t, s.Complete)
	assert.Equal(t, 2, s.TotalPages)
	assert.Empty(t, s.Error)

	select {
	case <-tr.Done():
		t.Fatal("new run already done")
	default:
	}
	select {
	case <-first:
	default:
		t.Fatal("previous done channel reopened")
	}
}

func TestTracker_Restore(t *testing.T) {
	tr := NewTracker()
	tr.Reset(7)
	tr.Restore("restored")

	s := tr.Snapshot()
	assert.Equal(t, 7, s.ProcessedPages)
	assert.Equal(t, 7, s.CurrentPage)
	assert.InDelta(t, 100.0, s.Percentage, 0.001)
	assert.Equal(t, "restored", s.StatusMessage)
	assert.False(t, s.Complete)
}

func TestTracker_Subscribe(t *testing.T) {
	tr := NewTracker()
	tr.Reset(3)

	updates, cancel := tr.Subscribe()
	defer cancel()

	initial := <-updates
	assert.Equal(t, 3, initial.TotalPages)

	tr.PageDone(0)
	tr.PageDone(1)
	// Only the latest state is buffered
	latest := <-updates
	assert.Equal(t, 2, latest.ProcessedPages)

	tr.PageDone(2)
	tr.Complete("finished")

	var last State
	for s := range updates {
		last = s
	}
	assert.True(t, last.Complete)
	assert.Equal(t, "finished", last.StatusMessage)
}

func TestTracker_SubscribeAfterComplete(t *testing.T) {
	tr := NewTracker()
	tr.Reset(1)
	tr.Complete("done")

	updates, cancel := tr.Subscribe()
	defer cancel()

	s, ok := <-updates
	require.True(t, ok)
	assert.True(t, s.Complete)
	_, ok = <-updates
	assert.False(t, ok)
}

func TestTracker_SubscribeCancel(t *testing.T) {
	tr := NewTracker()
	tr.Reset(5)

	updates, cancel := tr.Subscribe()
	<-updates
	cancel()
	cancel()

	_, ok := <-updates
	assert.False(t, ok)

	// Publishing after cancel must not block or panic
	tr.PageDone(0)
	tr.Complete("done")
}

func TestTracker_ConcurrentPages(t *testing.T) {
	tr := NewTracker()
	tr.Reset(100)

	updates, cancel := tr.Subscribe()
	defer cancel()
	go func() {
		for range updates {
		}
	}()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.PageDone(i)
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Snapshot().ProcessedPages)
}

func TestFormatRemaining(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{1499 * time.Millisecond, "1s"},
		{192 * time.Second, "3m 12s"},
		{time.Hour + 5*time.Minute + 30*time.Second, "1h 05m"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatRemaining(tt.in))
		})
	}
}
