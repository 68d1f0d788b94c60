package support

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

// TestContext holds the state of one scenario.
type TestContext struct {
	TempDir string
	Logger  *slog.Logger

	// Scanned document and recognition inputs
	pageCount    int
	pageTexts    map[int]map[string]string
	failPages    map[int]bool
	config       pipeline.Config
	strictLength bool

	// Run state
	doc      *fakeDocument
	tracker  *pipeline.Tracker
	progress *progressRecorder
	results  []*pipeline.Result
	orders   [][]int
	lastErr  error

	// Real PDF state
	sourcePath string
	keyTexts   []string
	outcome    *reorder.Outcome

	// Server state
	httpServer     *httptest.Server
	manager        *jobs.Manager
	lastStatusCode int
	lastBody       []byte
	jobID          string
	lastEvent      string
}

// NewTestContext creates a new test context with its own temp directory.
func NewTestContext() (*TestContext, error) {
	tempDir, err := os.MkdirTemp("", "pageorder-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	return &TestContext{
		TempDir:   tempDir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		pageTexts: make(map[int]map[string]string),
		failPages: make(map[int]bool),
		config:    pipeline.DefaultConfig(),
	}, nil
}

// Cleanup stops the test server and removes the temp directory.
func (testCtx *TestContext) Cleanup() error {
	var errs []error

	if testCtx.httpServer != nil {
		testCtx.httpServer.Close()
		testCtx.httpServer = nil
	}
	if testCtx.manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := testCtx.manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop job manager: %w", err))
		}
		cancel()
		testCtx.manager = nil
	}

	if err := os.RemoveAll(testCtx.TempDir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove temp directory %s: %w", testCtx.TempDir, err))
	}
	return errors.Join(errs...)
}

// lastResult returns the result of the most recent run.
func (testCtx *TestContext) lastResult() (*pipeline.Result, error) {
	if testCtx.lastErr != nil {
		return nil, fmt.Errorf("run failed: %w", testCtx.lastErr)
	}
	if len(testCtx.results) == 0 {
		return nil, errors.New("no run has finished")
	}
	return testCtx.results[len(testCtx.results)-1], nil
}
