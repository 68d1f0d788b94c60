package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/history"
	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
	"github.com/MeKo-Tech/pageorder/internal/testutil"
)

// stubProcessor pretends to reorder a two-page document. When gate is set,
// it stops after the first page until gate is closed.
type stubProcessor struct {
	gate   chan struct{}
	err    error
	outDir string
}

func (p *stubProcessor) Process(ctx context.Context, req reorder.Request, tracker *pipeline.Tracker) (*reorder.Outcome, error) {
	tracker.Reset(2)
	tracker.PageDone(0)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			tracker.Fail(ctx.Err())
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		tracker.Fail(p.err)
		return nil, p.err
	}
	tracker.PageDone(1)

	out := filepath.Join(p.outDir, req.ID+".pdf")
	if err := os.WriteFile(out, testutil.BuildPDF("B", "A"), 0o600); err != nil {
		return nil, err
	}
	tracker.Complete("done")
	return &reorder.Outcome{
		ID:         req.ID,
		Filename:   req.Filename,
		FileHash:   "cafe",
		OutputPath: out,
		Result: &pipeline.Result{
			Records: []pipeline.PageRecord{
				{Index: 1, Key: keys.Key{Value: "0900000001", Prefix: "0900", Preferred: true}},
				{Index: 0},
			},
			TotalPages:  2,
			KeyedPages:  1,
			MissingKeys: 1,
			Assembly:    pipeline.AssemblyReport{OutputPath: out, Written: 2},
			Duration:    1500 * time.Millisecond,
		},
	}, nil
}

type fakeHistory struct {
	runs      []history.Run
	err       error
	lastLimit int
}

func (h *fakeHistory) List(_ context.Context, limit int) ([]history.Run, error) {
	h.lastLimit = limit
	if h.err != nil {
		return nil, h.err
	}
	return h.runs, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	manager *jobs.Manager
	proc    *stubProcessor
	history *fakeHistory
	uploads string
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	proc := &stubProcessor{outDir: t.TempDir()}
	manager := jobs.NewManager(proc, 2, discardLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	cfg := Config{
		CORSOrigin:       "*",
		MaxUploadMB:      5,
		UploadDir:        t.TempDir(),
		ProgressInterval: 10 * time.Millisecond,
		Version:          "test",
		Logger:           discardLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	hist := &fakeHistory{}
	srv, err := NewServer(cfg, manager, hist)
	require.NoError(t, err)

	return &testEnv{
		server:  srv,
		handler: srv.Routes(),
		manager: manager,
		proc:    proc,
		history: hist,
		uploads: cfg.UploadDir,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

// multipartUpload builds a POST /jobs request carrying content as field.
func multipartUpload(t *testing.T, field, filename string, content []byte, extra map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	if field != "" {
		part, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// startJob uploads a small PDF and returns the created job.
func (e *testEnv) startJob(t *testing.T) *jobs.Job {
	t.Helper()
	w := e.do(multipartUpload(t, "pdf", "scan.pdf", testutil.BuildPDF("A", "B"), nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	id := filepath.Base(w.Header().Get("Location"))
	job, err := e.manager.Get(id)
	require.NoError(t, err)
	return job
}

func waitJob(t *testing.T, job *jobs.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}
