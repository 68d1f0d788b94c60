package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

type fakeProcessor struct {
	release chan struct{}
	err     error
	// finalize, when set, holds Process after the tracker completed, the
	// way recording history does.
	finalize chan struct{}

	running    atomic.Int32
	maxRunning atomic.Int32
	mu         sync.Mutex
	seen       []reorder.Request
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{release: make(chan struct{})}
}

func (p *fakeProcessor) Process(ctx context.Context, req reorder.Request, tracker *pipeline.Tracker) (*reorder.Outcome, error) {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		m := p.maxRunning.Load()
		if n <= m || p.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}
	p.mu.Lock()
	p.seen = append(p.seen, req)
	p.mu.Unlock()

	tracker.Reset(1)
	select {
	case <-p.release:
	case <-ctx.Done():
		tracker.Fail(ctx.Err())
		return nil, ctx.Err()
	}
	if p.err != nil {
		tracker.Fail(p.err)
		return nil, p.err
	}
	tracker.PageDone(0)
	tracker.Complete("done")
	if p.finalize != nil {
		<-p.finalize
	}
	return &reorder.Outcome{ID: req.ID, Filename: req.Filename, OutputPath: "/tmp/" + req.ID + ".pdf"}, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitDone(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

func TestManager_CompletesJob(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 2, discardLogger())

	job, err := m.Start(reorder.Request{SourcePath: "/uploads/scan.pdf"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "scan.pdf", job.Filename)

	_, err = m.Result(job.ID)
	require.ErrorIs(t, err, ErrNotComplete)

	close(proc.release)
	waitDone(t, job)

	out, err := m.Result(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, out.ID)
	assert.Equal(t, StatusCompleted, job.Status())

	state, err := m.Progress(job.ID)
	require.NoError(t, err)
	assert.True(t, state.Complete)
	assert.Equal(t, 1, state.ProcessedPages)

	snap := job.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.NotNil(t, snap.FinishedAt)
	assert.Empty(t, snap.Error)
}

func TestManager_ProgressCompleteOnlyWithResult(t *testing.T) {
	proc := newFakeProcessor()
	proc.finalize = make(chan struct{})
	close(proc.release)
	m := NewManager(proc, 1, discardLogger())

	job, err := m.Start(reorder.Request{ID: "job-1", SourcePath: "a.pdf"})
	require.NoError(t, err)

	// The run's tracker is complete while the job is still finalizing.
	require.Eventually(t, func() bool { return job.Tracker.Snapshot().Complete }, 2*time.Second, time.Millisecond)
	state, err := m.Progress("job-1")
	require.NoError(t, err)
	assert.False(t, state.Complete)
	assert.Equal(t, 1, state.ProcessedPages)
	assert.False(t, job.Snapshot().Progress.Complete)
	_, err = m.Result("job-1")
	require.ErrorIs(t, err, ErrNotComplete)

	close(proc.finalize)
	require.Eventually(t, func() bool {
		state, err := m.Progress("job-1")
		return err == nil && state.Complete
	}, 2*time.Second, time.Millisecond)

	out, err := m.Result("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", out.ID)
	assert.Equal(t, StatusCompleted, job.Snapshot().Status)
}

func TestManager_FailedJob(t *testing.T) {
	proc := newFakeProcessor()
	proc.err = pipeline.ErrNoKeysFound
	close(proc.release)
	m := NewManager(proc, 1, discardLogger())

	job, err := m.Start(reorder.Request{ID: "job-1", SourcePath: "a.pdf"})
	require.NoError(t, err)
	waitDone(t, job)

	_, err = m.Result("job-1")
	require.ErrorIs(t, err, pipeline.ErrNoKeysFound)
	snap := job.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "no order keys")
}

func TestManager_UnknownJob(t *testing.T) {
	m := NewManager(newFakeProcessor(), 1, discardLogger())

	_, err := m.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Progress("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Result("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DuplicateID(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 1, discardLogger())
	defer close(proc.release)

	_, err := m.Start(reorder.Request{ID: "same", SourcePath: "a.pdf"})
	require.NoError(t, err)
	_, err = m.Start(reorder.Request{ID: "same", SourcePath: "b.pdf"})
	assert.Error(t, err)
}

func TestManager_LimitsConcurrency(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 2, discardLogger())

	var started []*Job
	for range 5 {
		job, err := m.Start(reorder.Request{SourcePath: "scan.pdf"})
		require.NoError(t, err)
		started = append(started, job)
	}

	require.Eventually(t, func() bool { return proc.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	queued := 0
	for _, j := range started {
		if j.Status() == StatusQueued {
			queued++
		}
	}
	assert.Equal(t, 3, queued)

	close(proc.release)
	for _, j := range started {
		waitDone(t, j)
	}
	assert.Equal(t, int32(2), proc.maxRunning.Load())
}

func TestManager_ListNewestFirst(t *testing.T) {
	proc := newFakeProcessor()
	close(proc.release)
	m := NewManager(proc, 1, discardLogger())

	var ids []string
	for range 3 {
		job, err := m.Start(reorder.Request{SourcePath: "scan.pdf"})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestManager_DeleteBefore(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 2, discardLogger())

	done, err := m.Start(reorder.Request{ID: "done", SourcePath: "a.pdf"})
	require.NoError(t, err)
	proc.release <- struct{}{}
	waitDone(t, done)

	_, err = m.Start(reorder.Request{ID: "running", SourcePath: "b.pdf"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return proc.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	n, err := m.DeleteBefore(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = m.Get("done")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get("running")
	require.NoError(t, err)

	close(proc.release)
}

func TestManager_ShutdownDrainsJobs(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 1, discardLogger())

	job, err := m.Start(reorder.Request{SourcePath: "a.pdf"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(proc.release)
	}()
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StatusCompleted, job.Status())

	_, err = m.Start(reorder.Request{SourcePath: "b.pdf"})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestManager_ShutdownCancelsOnDeadline(t *testing.T) {
	proc := newFakeProcessor()
	m := NewManager(proc, 1, discardLogger())

	first, err := m.Start(reorder.Request{SourcePath: "a.pdf"})
	require.NoError(t, err)
	second, err := m.Start(reorder.Request{SourcePath: "b.pdf"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return proc.running.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = m.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	for _, j := range []*Job{first, second} {
		waitDone(t, j)
		_, err = j.Result()
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, StatusFailed, j.Status())
	}
}
