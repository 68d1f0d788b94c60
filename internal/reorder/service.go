// Package reorder wires the document, recognition and pipeline packages into
// a single service that turns an uploaded PDF into a reordered one.
package reorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/pageorder/internal/cache"
	"github.com/MeKo-Tech/pageorder/internal/history"
	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/MeKo-Tech/pageorder/internal/pdf"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/recognizer"
	"github.com/MeKo-Tech/pageorder/internal/region"
)

// Settings holds everything that determines how a document is processed.
type Settings struct {
	Region          region.Config
	Patterns        []keys.Pattern
	PreferredPrefix string
	StrictLength    bool
	Profiles        []recognizer.Profile
	Pipeline        pipeline.Config
	// EngineID identifies the recognition engine and its language data.
	// It is part of the cache namespace.
	EngineID string
	// ArchiveDir receives outputs of requests without an explicit path.
	ArchiveDir string
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		Region:          region.DefaultConfig(),
		Patterns:        keys.DefaultPatterns(),
		PreferredPrefix: keys.DefaultPreferredPrefix,
		Profiles:        recognizer.DefaultProfiles(),
		Pipeline:        pipeline.DefaultConfig(),
		ArchiveDir:      filepath.Join(os.TempDir(), "pageorder", "archive"),
	}
}

// Recorder stores finished runs. *history.Store implements it.
type Recorder interface {
	Record(ctx context.Context, run history.Run) (string, error)
}

// Request describes one document to reorder.
type Request struct {
	// ID identifies the run; a new one is generated when empty.
	ID         string
	SourcePath string
	// Filename is the user-facing name; defaults to the base of SourcePath.
	Filename    string
	OutputPath  string
	Credentials pdf.Credentials
}

// Outcome is the result of a successful run.
type Outcome struct {
	ID         string           `json:"id"`
	Filename   string           `json:"filename"`
	FileHash   string           `json:"file_hash"`
	OutputPath string           `json:"output_path"`
	Result     *pipeline.Result `json:"result"`
}

// Service processes reorder requests. It is safe for concurrent use.
type Service struct {
	settings Settings
	pipeline *pipeline.Pipeline
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	cache    cache.Client
	cacheTTL time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// WithCache enables the record cache.
func WithCache(c cache.Client, ttl time.Duration) Option {
	return func(o *serviceOptions) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

// WithRecorder records every finished run.
func WithRecorder(r Recorder) Option {
	return func(o *serviceOptions) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// New builds a Service running engine with settings.
func New(engine recognizer.Engine, settings Settings, opts ...Option) (*Service, error) {
	o := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	table, err := keys.NewTable(settings.Patterns, settings.PreferredPrefix, keys.WithStrictLength(settings.StrictLength))
	if err != nil {
		return nil, fmt.Errorf("key patterns: %w", err)
	}
	prep, err := region.New(settings.Region, o.logger)
	if err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	rec, err := recognizer.New(engine, table,
		recognizer.WithProfiles(settings.Profiles...),
		recognizer.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("recognizer: %w", err)
	}

	b := pipeline.NewBuilder().
		WithConfig(settings.Pipeline).
		WithPreparer(prep).
		WithRecognizer(rec).
		WithLogger(o.logger)
	if o.cache != nil {
		b.WithCache(o.cache, Namespace(settings), o.cacheTTL)
	}
	p, err := b.Build()
	if err != nil {
		return nil, err
	}

	return &Service{
		settings: settings,
		pipeline: p,
		recorder: o.recorder,
		logger:   o.logger,
		now:      time.Now,
	}, nil
}

// Settings returns the service settings.
func (s *Service) Settings() Settings { return s.settings }

// Process opens the source document, runs the pipeline and records the run.
// tracker receives progress and ends complete or failed.
func (s *Service) Process(ctx context.Context, req Request, tracker *pipeline.Tracker) (*Outcome, error) {
	if tracker == nil {
		tracker = pipeline.NewTracker()
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Filename == "" {
		req.Filename = filepath.Base(req.SourcePath)
	}
	if req.OutputPath == "" {
		req.OutputPath = filepath.Join(s.settings.ArchiveDir, req.ID+".pdf")
	}
	logger := s.logger.With("job_id", req.ID, "file", req.Filename)
	started := s.now()

	run := history.Run{ID: req.ID, Filename: req.Filename, StartedAt: started}

	doc, err := pdf.Open(req.SourcePath, pdf.Options{Credentials: req.Credentials, Logger: logger})
	if err != nil {
		tracker.Fail(err)
		logger.Error("failed to open document", "error", err)
		s.record(ctx, run, nil, err)
		return nil, err
	}
	defer func() {
		if cerr := doc.Close(); cerr != nil {
			logger.Warn("failed to close document", "error", cerr)
		}
	}()
	run.FileHash = doc.Fingerprint()
	run.TotalPages = doc.PageCount()

	res, err := s.pipeline.Run(ctx, doc, req.OutputPath, tracker)
	s.record(ctx, run, res, err)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		ID:         req.ID,
		Filename:   req.Filename,
		FileHash:   run.FileHash,
		OutputPath: res.Assembly.OutputPath,
		Result:     res,
	}, nil
}

func (s *Service) record(ctx context.Context, run history.Run, res *pipeline.Result, runErr error) {
	if s.recorder == nil {
		return
	}
	run.FinishedAt = s.now()
	switch {
	case runErr == nil:
		run.Status = history.StatusCompleted
		run.TotalPages = res.TotalPages
		run.KeyedPages = res.KeyedPages
		run.MissingKeys = res.MissingKeys
		run.OutputPath = res.Assembly.OutputPath
	case errors.Is(runErr, pipeline.ErrNoKeysFound):
		run.Status = history.StatusNoKeys
		run.Error = runErr.Error()
	default:
		run.Status = history.StatusFailed
		run.Error = runErr.Error()
	}

	// A cancelled request still gets its history entry.
	if _, err := s.recorder.Record(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record run", "job_id", run.ID, "error", err)
	}
}

// Namespace derives the cache namespace from every setting that changes
// which key a page yields.
func Namespace(s Settings) string {
	reg := s.Region
	reg.DebugDir = ""
	data, _ := json.Marshal(struct {
		Region          region.Config
		Patterns        []keys.Pattern
		PreferredPrefix string
		StrictLength    bool
		Profiles        []recognizer.Profile
		DPI             float64
		EngineID        string
	}{
		Region:          reg,
		Patterns:        s.Patterns,
		PreferredPrefix: s.PreferredPrefix,
		StrictLength:    s.StrictLength,
		Profiles:        s.Profiles,
		DPI:             s.Pipeline.DPI,
		EngineID:        s.EngineID,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
