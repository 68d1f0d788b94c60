package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/pageorder/internal/history"
	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

// jobManager defines the methods needed by the server from the job manager.
type jobManager interface {
	Start(req reorder.Request) (*jobs.Job, error)
	Get(id string) (*jobs.Job, error)
	List() []*jobs.Job
}

// historyLister lists recorded runs. *history.Store implements it.
type historyLister interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	jobs             jobManager
	history          historyLister
	corsOrigin       string
	maxUploadMB      int64
	uploadDir        string
	progressInterval time.Duration
	version          string
	logger           *slog.Logger
}

// Config holds server configuration.
type Config struct {
	CORSOrigin       string
	MaxUploadMB      int64
	UploadDir        string
	ProgressInterval time.Duration
	Version          string
	Logger           *slog.Logger
}

// Response types for API endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ResultResponse is the body of a finished job's result.
type ResultResponse struct {
	ID          string        `json:"id"`
	Filename    string        `json:"filename"`
	FileHash    string        `json:"file_hash"`
	DocumentURL string        `json:"document_url"`
	Pages       []PageEntry   `json:"pages"`
	Summary     ResultSummary `json:"summary"`
	Skipped     []int         `json:"skipped_pages,omitempty"`
}

// PageEntry is one page of the output document.
type PageEntry struct {
	Position      int     `json:"position"`
	OriginalIndex int     `json:"original_index"`
	OrderKey      *string `json:"order_key"`
	Fault         string  `json:"fault,omitempty"`
}

// ResultSummary counts the outcome of a run.
type ResultSummary struct {
	TotalPages        int   `json:"total_pages"`
	KeyedPages        int   `json:"keyed_pages"`
	MissingKeys       int   `json:"missing_keys"`
	FaultPages        int   `json:"fault_pages"`
	NoKeysFound       bool  `json:"no_keys_found"`
	RestoredFromCache bool  `json:"restored_from_cache"`
	DurationMs        int64 `json:"duration_ms"`
}

type HistoryResponse struct {
	Runs  []history.Run `json:"runs"`
	Count int           `json:"count"`
}

type JobsResponse struct {
	Jobs  []jobs.Snapshot `json:"jobs"`
	Count int             `json:"count"`
}

// NewServer creates a new server instance. hist may be nil, in which case
// the history endpoint reports 503.
func NewServer(config Config, manager jobManager, hist historyLister) (*Server, error) {
	if manager == nil {
		return nil, errors.New("job manager is required")
	}
	if config.MaxUploadMB <= 0 {
		config.MaxUploadMB = 50
	}
	if config.ProgressInterval <= 0 {
		config.ProgressInterval = 300 * time.Millisecond
	}
	if config.UploadDir == "" {
		config.UploadDir = os.TempDir()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if err := os.MkdirAll(config.UploadDir, 0o750); err != nil {
		return nil, err
	}

	return &Server{
		jobs:             manager,
		history:          hist,
		corsOrigin:       config.CORSOrigin,
		maxUploadMB:      config.MaxUploadMB,
		uploadDir:        config.UploadDir,
		progressInterval: config.ProgressInterval,
		version:          config.Version,
		logger:           config.Logger,
	}, nil
}

// Routes returns the HTTP handler with all routes configured.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/history", s.historyHandler)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.createJobHandler)
		r.Get("/", s.listJobsHandler)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.jobHandler)
			r.Get("/events", s.jobEventsHandler)
			r.Get("/ws", s.jobWebSocketHandler)
			r.Get("/result", s.jobResultHandler)
			r.Get("/document", s.jobDocumentHandler)
		})
	})

	return r
}
