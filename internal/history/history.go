// Package history records finished reorder runs in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no run has the requested id.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusNoKeys    = "no_keys"
	StatusFailed    = "failed"
)

// Run is one recorded pipeline run.
type Run struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	FileHash    string    `json:"file_hash,omitempty"`
	TotalPages  int       `json:"total_pages"`
	KeyedPages  int       `json:"keyed_pages"`
	MissingKeys int       `json:"missing_keys"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	OutputPath  string    `json:"output_path,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Duration returns how long the run took.
func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	filename     TEXT NOT NULL,
	file_hash    TEXT NOT NULL DEFAULT '',
	total_pages  INTEGER NOT NULL DEFAULT 0,
	keyed_pages  INTEGER NOT NULL DEFAULT 0,
	missing_keys INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	output_path  TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_finished_at ON runs (finished_at DESC);
`

// Store persists runs.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path. ":memory:" gives a
// private in-memory store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Record stores run, assigning an id when it has none, and returns the id.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		return "", errors.New("run status is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, filename, file_hash, total_pages, keyed_pages, missing_keys,
			status, error, output_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			file_hash = excluded.file_hash,
			total_pages = excluded.total_pages,
			keyed_pages = excluded.keyed_pages,
			missing_keys = excluded.missing_keys,
			status = excluded.status,
			error = excluded.error,
			output_path = excluded.output_path,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID, run.Filename, run.FileHash, run.TotalPages, run.KeyedPages, run.MissingKeys,
		run.Status, run.Error, run.OutputPath, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return run.ID, nil
}

// Get returns the run with the given id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return run, err
}

// List returns up to limit runs, most recently finished first. A
// non-positive limit returns every run.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteBefore removes runs that finished before cutoff and returns how
// many were removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	return res.RowsAffected()
}

const columns = `id, filename, file_hash, total_pages, keyed_pages, missing_keys,
	status, error, output_path, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		run               Run
		started, finished int64
	)
	err := sc.Scan(&run.ID, &run.Filename, &run.FileHash, &run.TotalPages, &run.KeyedPages,
		&run.MissingKeys, &run.Status, &run.Error, &run.OutputPath, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.UnixMilli(started).UTC()
	run.FinishedAt = time.UnixMilli(finished).UTC()
	return run, nil
}
