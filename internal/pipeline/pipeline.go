// Package pipeline scans the pages of a document for order keys and writes
// the pages back out in key order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/cache"
)

// Config holds the run settings of the pipeline.
type Config struct {
	BatchSize   int           // Pages rasterized and held in memory at once
	Workers     int           // Pages evaluated concurrently within a batch
	DPI         float64       // Rasterization resolution
	PageTimeout time.Duration // Per-page recognition limit (0 = none)
	OnNoKeys    NoKeysPolicy
	CacheTTL    time.Duration
}

// DefaultConfig returns the default run settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:   10,
		Workers:     4,
		DPI:         300,
		PageTimeout: 30 * time.Second,
		OnNoKeys:    RejectUnkeyed,
		CacheTTL:    24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.DPI <= 0 {
		return fmt.Errorf("dpi must be positive, got %v", c.DPI)
	}
	if c.PageTimeout < 0 {
		return fmt.Errorf("page timeout must not be negative, got %s", c.PageTimeout)
	}
	switch c.OnNoKeys {
	case RejectUnkeyed, PassThroughUnkeyed:
	default:
		return fmt.Errorf("unknown no-keys policy %q", c.OnNoKeys)
	}
	return nil
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg       Config
	prep      Preparer
	rec       KeyRecognizer
	cache     cache.Client
	namespace string
	logger    *slog.Logger
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole run configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithPreparer sets the region preparer.
func (b *Builder) WithPreparer(p Preparer) *Builder {
	b.prep = p
	return b
}

// WithRecognizer sets the key recognizer.
func (b *Builder) WithRecognizer(r KeyRecognizer) *Builder {
	b.rec = r
	return b
}

// WithBatchSize sets the number of pages per batch.
func (b *Builder) WithBatchSize(n int) *Builder {
	if n > 0 {
		b.cfg.BatchSize = n
	}
	return b
}

// WithWorkers sets the per-batch concurrency; 0 means runtime.NumCPU().
func (b *Builder) WithWorkers(n int) *Builder {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	b.cfg.Workers = n
	return b
}

// WithDPI sets the rasterization resolution.
func (b *Builder) WithDPI(dpi float64) *Builder {
	if dpi > 0 {
		b.cfg.DPI = dpi
	}
	return b
}

// WithPageTimeout caps recognition time per page.
func (b *Builder) WithPageTimeout(d time.Duration) *Builder {
	b.cfg.PageTimeout = d
	return b
}

// WithNoKeysPolicy sets what happens when no page carries a key.
func (b *Builder) WithNoKeysPolicy(p NoKeysPolicy) *Builder {
	b.cfg.OnNoKeys = p
	return b
}

// WithCache enables the record cache. namespace must change whenever a
// setting that affects recognition changes.
func (b *Builder) WithCache(c cache.Client, namespace string, ttl time.Duration) *Builder {
	b.cache = c
	b.namespace = namespace
	b.cfg.CacheTTL = ttl
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates the configuration and returns the Pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	if b.prep == nil {
		return nil, errors.New("pipeline: preparer is required")
	}
	if b.rec == nil {
		return nil, errors.New("pipeline: recognizer is required")
	}
	if err := b.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := NewEvaluator(b.prep, b.rec, b.cfg.PageTimeout, logger)
	p := &Pipeline{
		cfg:       b.cfg,
		scheduler: NewScheduler(evaluator, b.cfg.BatchSize, b.cfg.Workers, b.cfg.DPI, logger),
		logger:    logger,
	}
	if b.cache != nil {
		p.records = &recordCache{client: b.cache, namespace: b.namespace, ttl: b.cfg.CacheTTL, logger: logger}
	}
	return p, nil
}

// Pipeline runs documents through scanning, ordering and assembly. A
// Pipeline holds no per-run state and may run several documents at once,
// each with its own Tracker.
type Pipeline struct {
	cfg       Config
	scheduler *Scheduler
	records   *recordCache
	logger    *slog.Logger
}

// Config returns the run configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run processes doc and writes the reordered document to outPath. tracker
// is reset at the start and marked complete only after the output has been
// written; it is marked failed on any terminal error. A nil tracker is
// replaced by a private one.
func (p *Pipeline) Run(ctx context.Context, doc Document, outPath string, tracker *Tracker) (*Result, error) {
	if tracker == nil {
		tracker = NewTracker()
	}
	start := time.Now()

	res, err := p.run(ctx, doc, outPath, tracker)
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrNoKeysFound) {
			status = "no_keys"
		}
		runsTotal.WithLabelValues(status).Inc()
		tracker.Fail(err)
		p.logger.Error("pipeline run failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil, err
	}

	res.Duration = time.Since(start)
	runsTotal.WithLabelValues("completed").Inc()
	runDuration.Observe(res.Duration.Seconds())
	tracker.Complete(completionMessage(res))
	p.logger.Info("pipeline run completed",
		"pages", res.TotalPages,
		"keyed", res.KeyedPages,
		"missing", res.MissingKeys,
		"skipped", len(res.Assembly.Skipped),
		"output", res.Assembly.OutputPath,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, doc Document, outPath string, tracker *Tracker) (*Result, error) {
	total := doc.PageCount()
	if total <= 0 {
		return nil, ErrNoPages
	}
	tracker.Reset(total)
	p.logger.Info("pipeline run started", "pages", total, "batch_size", p.cfg.BatchSize, "workers", p.cfg.Workers)

	records, restored, err := p.scan(ctx, doc, tracker)
	if err != nil {
		return nil, err
	}
	if err := checkComplete(records, total); err != nil {
		return nil, err
	}

	res := &Result{TotalPages: total, Restored: restored}
	for _, rec := range records {
		switch {
		case rec.Key.Found():
			res.KeyedPages++
		case rec.Fault != "":
			res.FaultPages++
			res.MissingKeys++
		default:
			res.MissingKeys++
		}
	}

	if res.KeyedPages == 0 {
		if p.cfg.OnNoKeys != PassThroughUnkeyed {
			return nil, fmt.Errorf("%w in %d pages", ErrNoKeysFound, total)
		}
		res.NoKeysFound = true
		p.logger.Warn("no order keys found, keeping scan order", "pages", total)
	}

	res.Records = Resolve(records)

	tracker.SetStatus("assembling document")
	report, err := doc.Assemble(ctx, res.OrderedIndices(), outPath)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	res.Assembly = report
	return res, nil
}

// scan returns one record per page, from the cache when possible.
func (p *Pipeline) scan(ctx context.Context, doc Document, tracker *Tracker) ([]PageRecord, bool, error) {
	var cacheKey string
	if fp, ok := doc.(Fingerprinter); ok && p.records != nil {
		cacheKey = fp.Fingerprint()
		if records, ok := p.records.load(ctx, cacheKey, doc.PageCount()); ok {
			tracker.Restore("restored recognized pages from cache")
			return records, true, nil
		}
	}

	records, err := p.scheduler.Scan(ctx, doc, tracker)
	if err != nil {
		return nil, false, err
	}
	if cacheKey != "" {
		p.records.store(ctx, cacheKey, records)
	}
	return records, false, nil
}

// checkComplete verifies that records[i] describes page i for every page.
func checkComplete(records []PageRecord, total int) error {
	if len(records) != total {
		return fmt.Errorf("scan produced %d records for %d pages", len(records), total)
	}
	for i, rec := range records {
		if rec.Index != i {
			return fmt.Errorf("record %d carries page index %d", i, rec.Index)
		}
	}
	return nil
}

func completionMessage(res *Result) string {
	if res.NoKeysFound {
		return fmt.Sprintf("completed without keys: %d pages kept in scan order", res.TotalPages)
	}
	return fmt.Sprintf("completed: %d of %d pages keyed, %d without key", res.KeyedPages, res.TotalPages, res.MissingKeys)
}
