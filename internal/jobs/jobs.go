// Package jobs runs reorder requests in the background and keeps a handle
// per run for progress and result lookups.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrNotComplete is returned when a result is requested before the job finished.
	ErrNotComplete = errors.New("job is not complete")
	// ErrShuttingDown is returned by Start after Shutdown was called.
	ErrShuttingDown = errors.New("job manager is shutting down")
)

// Status is the lifecycle stage of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const progressLogInterval = 2 * time.Second

// Processor runs one request. *reorder.Service implements it.
type Processor interface {
	Process(ctx context.Context, req reorder.Request, tracker *pipeline.Tracker) (*reorder.Outcome, error)
}

// Job is the handle of one run.
type Job struct {
	ID        string
	Filename  string
	CreatedAt time.Time
	Tracker   *pipeline.Tracker

	mu       sync.Mutex
	status   Status
	outcome  *reorder.Outcome
	err      error
	finished time.Time
	done     chan struct{}
}

// Snapshot is the JSON view of a job.
type Snapshot struct {
	ID         string         `json:"id"`
	Filename   string         `json:"filename"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Progress   pipeline.State `json:"progress"`
	Error      string         `json:"error,omitempty"`
}

// Snapshot returns the current view of the job.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:        j.ID,
		Filename:  j.Filename,
		Status:    j.status,
		CreatedAt: j.CreatedAt,
		Progress:  j.progress(),
	}
	if !j.finished.IsZero() {
		f := j.finished
		s.FinishedAt = &f
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

// progress returns the tracker state. The run's tracker completes before
// the job has stored its outcome, so Complete and Failed are held back until
// the job is done and Result can answer.
func (j *Job) progress() pipeline.State {
	state := j.Tracker.Snapshot()
	select {
	case <-j.done:
	default:
		state.Complete, state.Failed = false, false
	}
	return state
}

// Status returns the lifecycle stage.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome of a finished job, or its terminal error.
func (j *Job) Result() (*reorder.Outcome, error) {
	select {
	case <-j.done:
	default:
		return nil, ErrNotComplete
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome, j.err
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) finish(out *reorder.Outcome, err error, at time.Time) {
	j.mu.Lock()
	j.outcome, j.err, j.finished = out, err, at
	if err != nil {
		j.status = StatusFailed
	} else {
		j.status = StatusCompleted
	}
	j.mu.Unlock()
	close(j.done)
}

// Manager starts jobs and tracks them until they are forgotten.
type Manager struct {
	proc   Processor
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	closed bool
}

// NewManager creates a Manager running at most maxConcurrent jobs at once.
func NewManager(proc Processor, maxConcurrent int, logger *slog.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		proc:   proc,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*Job),
	}
}

// Start queues req and returns its job handle immediately.
func (m *Manager) Start(req reorder.Request) (*Job, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Filename == "" {
		req.Filename = filepath.Base(req.SourcePath)
	}
	job := &Job{
		ID:        req.ID,
		Filename:  req.Filename,
		CreatedAt: time.Now(),
		Tracker:   pipeline.NewTracker(pipeline.WithCallback(m.progressLogger(req.ID))),
		status:    StatusQueued,
		done:      make(chan struct{}),
	}
	job.Tracker.SetStatus("queued")

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return nil, errors.New("duplicate job id " + job.ID)
	}
	m.jobs[job.ID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(job, req)
	return job, nil
}

// progressLogger reports a job's scan progress at debug level, at most
// once per progressLogInterval.
func (m *Manager) progressLogger(id string) pipeline.ProgressCallback {
	return pipeline.NewThrottledProgressCallback(
		pipeline.NewLogProgressCallback(m.logger.With("job_id", id), slog.LevelDebug),
		progressLogInterval,
	)
}

func (m *Manager) run(job *Job, req reorder.Request) {
	defer m.wg.Done()
	logger := m.logger.With("job_id", job.ID)

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		job.Tracker.Fail(err)
		job.finish(nil, err, time.Now())
		logger.Warn("job cancelled before start", "error", err)
		return
	}
	defer m.sem.Release(1)

	job.setStatus(StatusRunning)
	activeJobs.Inc()
	defer activeJobs.Dec()

	logger.Info("job started", "file", job.Filename)
	out, err := m.proc.Process(m.ctx, req, job.Tracker)
	job.finish(out, err, time.Now())
	if err != nil {
		jobsFinished.WithLabelValues(string(StatusFailed)).Inc()
		logger.Warn("job failed", "error", err)
		return
	}
	jobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	logger.Info("job completed", "output", out.OutputPath)
}

// Get returns the job with the given id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Progress returns the progress snapshot of a job.
func (m *Manager) Progress(id string) (pipeline.State, error) {
	job, err := m.Get(id)
	if err != nil {
		return pipeline.State{}, err
	}
	return job.progress(), nil
}

// Result returns the outcome of a finished job.
func (m *Manager) Result(id string) (*reorder.Outcome, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return job.Result()
}

// List returns all known jobs, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// DeleteBefore drops jobs that finished before cutoff and returns how many
// were dropped. Their files are left to the retention sweeper.
func (m *Manager) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		j.mu.Lock()
		expired := !j.finished.IsZero() && j.finished.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// Shutdown stops accepting jobs and waits for queued and running ones to
// finish. When ctx expires first, the remaining jobs are cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	defer m.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
