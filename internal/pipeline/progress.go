package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// ProgressCallback defines the interface for progress reporting during a run.
type ProgressCallback interface {
	// OnStart is called when processing begins with the total number of pages.
	OnStart(total int)

	// OnProgress is called after each page.
	OnProgress(current, total int)

	// OnComplete is called when processing is finished.
	OnComplete()

	// OnError is called when the run fails.
	OnError(current int, err error)
}

// NoOpProgressCallback implements ProgressCallback but does nothing.
type NoOpProgressCallback struct{}

func (NoOpProgressCallback) OnStart(total int)              {}
func (NoOpProgressCallback) OnProgress(current, total int)  {}
func (NoOpProgressCallback) OnComplete()                    {}
func (NoOpProgressCallback) OnError(current int, err error) {}

// BarProgressCallback draws a terminal progress bar.
type BarProgressCallback struct {
	writer      io.Writer
	description string
	throttle    time.Duration
	bar         *progressbar.ProgressBar
	mutex       sync.Mutex
}

// NewBarProgressCallback creates a progress bar reporter writing to writer
// (stderr when nil).
func NewBarProgressCallback(writer io.Writer, description string) *BarProgressCallback {
	if writer == nil {
		writer = os.Stderr
	}
	return &BarProgressCallback{writer: writer, description: description, throttle: 100 * time.Millisecond}
}

// WithThrottle sets the minimum time between redraws. Zero redraws on
// every update.
func (b *BarProgressCallback) WithThrottle(d time.Duration) *BarProgressCallback {
	if d >= 0 {
		b.throttle = d
	}
	return b
}

func (b *BarProgressCallback) OnStart(total int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.writer),
		progressbar.OptionSetDescription(b.description),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(b.throttle),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *BarProgressCallback) OnProgress(current, total int) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bar != nil {
		_ = b.bar.Set(current)
	}
}

func (b *BarProgressCallback) OnComplete() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bar != nil {
		_ = b.bar.Finish()
	}
}

func (b *BarProgressCallback) OnError(current int, err error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bar != nil {
		_ = b.bar.Exit()
	}
	_, _ = fmt.Fprintf(b.writer, "\n%s failed after %d pages: %v\n", b.description, current, err)
}

// LogProgressCallback writes progress to a structured logger every
// interval pages and on the last page.
type LogProgressCallback struct {
	logger    *slog.Logger
	level     slog.Level
	interval  int
	lastLog   int
	startTime time.Time
}

// NewLogProgressCallback creates a log-based progress reporter that logs
// every 10 pages at level.
func NewLogProgressCallback(logger *slog.Logger, level slog.Level) *LogProgressCallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProgressCallback{logger: logger, level: level, interval: 10}
}

// WithInterval sets how many pages pass between log lines.
func (l *LogProgressCallback) WithInterval(pages int) *LogProgressCallback {
	if pages > 0 {
		l.interval = pages
	}
	return l
}

func (l *LogProgressCallback) OnStart(total int) {
	l.startTime = time.Now()
	l.lastLog = 0
	l.logger.Log(context.Background(), l.level, "page scan started", "pages", total)
}

func (l *LogProgressCallback) OnProgress(current, total int) {
	if current-l.lastLog < l.interval && current != total {
		return
	}
	l.lastLog = current
	elapsed := time.Since(l.startTime)
	l.logger.Log(context.Background(), l.level, "pages scanned",
		"current", current,
		"total", total,
		"percent", fmt.Sprintf("%.1f", float64(current)/float64(total)*100),
		"rate", fmt.Sprintf("%.1f/s", float64(current)/elapsed.Seconds()),
		"elapsed", elapsed.Round(time.Millisecond),
	)
}

func (l *LogProgressCallback) OnComplete() {
	l.logger.Log(context.Background(), l.level, "page scan finished",
		"elapsed", time.Since(l.startTime).Round(time.Millisecond))
}

func (l *LogProgressCallback) OnError(current int, err error) {
	l.logger.Log(context.Background(), slog.LevelError, "page scan failed", "scanned", current, "error", err)
}

// MultiProgressCallback combines multiple progress callbacks.
type MultiProgressCallback struct {
	callbacks []ProgressCallback
}

// NewMultiProgressCallback creates a progress callback that reports to multiple callbacks.
func NewMultiProgressCallback(callbacks ...ProgressCallback) *MultiProgressCallback {
	return &MultiProgressCallback{callbacks: callbacks}
}

// Add adds another progress callback.
func (m *MultiProgressCallback) Add(callback ProgressCallback) {
	m.callbacks = append(m.callbacks, callback)
}

func (m *MultiProgressCallback) OnStart(total int) {
	for _, cb := range m.callbacks {
		cb.OnStart(total)
	}
}

func (m *MultiProgressCallback) OnProgress(current, total int) {
	for _, cb := range m.callbacks {
		cb.OnProgress(current, total)
	}
}

func (m *MultiProgressCallback) OnComplete() {
	for _, cb := range m.callbacks {
		cb.OnComplete()
	}
}

func (m *MultiProgressCallback) OnError(current int, err error) {
	for _, cb := range m.callbacks {
		cb.OnError(current, err)
	}
}

// ThrottledProgressCallback wraps another callback and throttles updates.
type ThrottledProgressCallback struct {
	wrapped     ProgressCallback
	minInterval time.Duration
	lastUpdate  time.Time
	mutex       sync.Mutex
}

// NewThrottledProgressCallback creates a throttled wrapper around another callback.
func NewThrottledProgressCallback(wrapped ProgressCallback, minInterval time.Duration) *ThrottledProgressCallback {
	return &ThrottledProgressCallback{
		wrapped:     wrapped,
		minInterval: minInterval,
	}
}

func (t *ThrottledProgressCallback) OnStart(total int) {
	t.wrapped.OnStart(total)
}

func (t *ThrottledProgressCallback) OnProgress(current, total int) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := time.Now()
	if current == total || t.lastUpdate.IsZero() || now.Sub(t.lastUpdate) >= t.minInterval {
		t.lastUpdate = now
		t.wrapped.OnProgress(current, total)
	}
}

func (t *ThrottledProgressCallback) OnComplete() {
	t.wrapped.OnComplete()
}

func (t *ThrottledProgressCallback) OnError(current int, err error) {
	t.wrapped.OnError(current, err)
}
