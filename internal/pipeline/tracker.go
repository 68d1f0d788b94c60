package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// UnknownRemaining is reported until the first page has completed.
const UnknownRemaining = "unknown"

// State is a snapshot of a run's progress. Complete is set only after the
// reordered document was written; a run that ends in error sets Failed.
// Either way the tracker's Done channel is closed.
type State struct {
	TotalPages         int       `json:"total_pages"`
	ProcessedPages     int       `json:"processed_pages"`
	CurrentPage        int       `json:"current_page"`
	Percentage         float64   `json:"percentage"`
	StatusMessage      string    `json:"status_message"`
	StartTime          time.Time `json:"start_time"`
	EstimatedRemaining string    `json:"estimated_remaining"`
	Complete           bool      `json:"complete"`
	Failed             bool      `json:"failed,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// Tracker owns the progress state of one run. All mutations are serialized;
// Snapshot and subscribers may observe a slightly older state. Once the run
// is marked complete the state is frozen until the next Reset.
type Tracker struct {
	mu       sync.Mutex
	state    State
	frozen   bool
	done     chan struct{}
	subs     map[int]chan State
	nextSub  int
	callback ProgressCallback
	now      func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithCallback forwards progress events to cb.
func WithCallback(cb ProgressCallback) TrackerOption {
	return func(t *Tracker) {
		if cb != nil {
			t.callback = cb
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates an idle tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		done:     make(chan struct{}),
		subs:     make(map[int]chan State),
		callback: NoOpProgressCallback{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state = State{EstimatedRemaining: UnknownRemaining, StatusMessage: "idle"}
	return t
}

// Reset starts a new run over total pages.
func (t *Tracker) Reset(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		t.done = make(chan struct{})
		t.frozen = false
	}
	t.state = State{
		TotalPages:         total,
		StatusMessage:      "starting",
		StartTime:          t.now(),
		EstimatedRemaining: UnknownRemaining,
	}
	t.callback.OnStart(total)
	t.publish()
}

// PageDone records the completion of the page at the zero-based index.
func (t *Tracker) PageDone(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}
	s := &t.state
	if s.ProcessedPages < s.TotalPages {
		s.ProcessedPages++
	}
	s.CurrentPage = index + 1
	t.recompute()
	t.callback.OnProgress(s.ProcessedPages, s.TotalPages)
	t.publish()
}

// Restore marks every page as processed at once, used when records were
// loaded instead of computed.
func (t *Tracker) Restore(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}
	t.state.ProcessedPages = t.state.TotalPages
	t.state.CurrentPage = t.state.TotalPages
	t.state.StatusMessage = message
	t.recompute()
	t.callback.OnProgress(t.state.ProcessedPages, t.state.TotalPages)
	t.publish()
}

// SetStatus updates the human-readable status line.
func (t *Tracker) SetStatus(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}
	t.state.StatusMessage = message
	t.publish()
}

// Complete marks the run as successfully finished and freezes the state.
func (t *Tracker) Complete(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}
	t.state.StatusMessage = message
	t.state.Complete = true
	t.state.EstimatedRemaining = formatRemaining(0)
	t.callback.OnComplete()
	t.finish()
}

// Fail marks the run as terminated by err and freezes the state.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.frozen {
		return
	}
	t.state.StatusMessage = "failed"
	t.state.Error = err.Error()
	t.state.Failed = true
	t.callback.OnError(t.state.ProcessedPages, err)
	t.finish()
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the current run completes or fails.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Subscribe returns a channel that receives the latest state after every
// change. Slow readers only miss intermediate states, never the final one.
// The channel is closed once the run is complete; call cancel to stop early.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan State, 1)
	ch <- t.state
	if t.frozen {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// recompute derives percentage and remaining time. Callers hold t.mu.
func (t *Tracker) recompute() {
	s := &t.state
	if s.TotalPages > 0 {
		s.Percentage = float64(s.ProcessedPages) / float64(s.TotalPages) * 100
	}
	if s.ProcessedPages == 0 {
		s.EstimatedRemaining = UnknownRemaining
		return
	}
	elapsed := t.now().Sub(s.StartTime)
	rate := float64(s.ProcessedPages) / elapsed.Seconds()
	if elapsed <= 0 || rate <= 0 {
		s.EstimatedRemaining = UnknownRemaining
		return
	}
	remaining := float64(s.TotalPages-s.ProcessedPages) / rate
	s.EstimatedRemaining = formatRemaining(time.Duration(remaining * float64(time.Second)))
}

// publish pushes the state to subscribers, replacing any unread value.
// Callers hold t.mu.
func (t *Tracker) publish() {
	for _, ch := range t.subs {
		select {
		case ch <- t.state:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- t.state
		}
	}
}

// finish publishes the final state and closes every subscription.
// Callers hold t.mu.
func (t *Tracker) finish() {
	t.frozen = true
	t.publish()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	close(t.done)
}

// formatRemaining renders d as "42s", "3m 12s" or "1h 05m".
func formatRemaining(d time.Duration) string {
	secs := int(d.Round(time.Second).Seconds())
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %02dm", secs/3600, (secs%3600)/60)
	}
}
