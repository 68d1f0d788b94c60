package reorder

import (
	"context"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gen2brain/go-fitz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/pageorder/internal/cache"
	"github.com/MeKo-Tech/pageorder/internal/history"
	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/recognizer"
	"github.com/MeKo-Tech/pageorder/internal/testutil"
)

// sequenceEngine answers with texts[n] for the n-th page it sees. Pages are
// told apart by the first profile being run again, so the pipeline must
// evaluate pages one at a time.
type sequenceEngine struct {
	mu    sync.Mutex
	first string
	texts []string
	page  int
	calls int
}

func newSequenceEngine(texts ...string) *sequenceEngine {
	return &sequenceEngine{first: recognizer.DefaultProfiles()[0].Name, texts: texts, page: -1}
}

func (e *sequenceEngine) RecognizeText(_ context.Context, _ image.Image, p recognizer.Profile) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if p.Name == e.first {
		e.page++
	}
	if e.page < len(e.texts) {
		return e.texts[e.page], nil
	}
	return "", nil
}

func (e *sequenceEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs []history.Run
}

func (r *memoryRecorder) Record(_ context.Context, run history.Run) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return run.ID, nil
}

func (r *memoryRecorder) last() history.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	s := DefaultSettings()
	s.Pipeline.BatchSize = 1
	s.Pipeline.Workers = 1
	s.Pipeline.DPI = 36
	s.Region.Upscale = 1
	s.ArchiveDir = t.TempDir()
	return s
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pageTexts(t *testing.T, path string) []string {
	t.Helper()
	doc, err := fitz.New(path)
	require.NoError(t, err)
	defer func() { _ = doc.Close() }()

	out := make([]string, doc.NumPage())
	for i := range out {
		text, err := doc.Text(i)
		require.NoError(t, err)
		out[i] = strings.TrimSpace(text)
	}
	return out
}

func TestProcess_ReordersDocument(t *testing.T) {
	src := testutil.WritePDF(t, t.TempDir(), "scan.pdf", "PAGEA", "PAGEB", "PAGEC")
	engine := newSequenceEngine("0900000003", "0900000001", "")
	rec := &memoryRecorder{}
	svc, err := New(engine, testSettings(t), WithRecorder(rec), WithLogger(discardLogger()))
	require.NoError(t, err)

	tracker := pipeline.NewTracker()
	out, err := svc.Process(context.Background(), Request{ID: "job-1", SourcePath: src}, tracker)
	require.NoError(t, err)

	assert.Equal(t, "job-1", out.ID)
	assert.Equal(t, "scan.pdf", out.Filename)
	assert.Len(t, out.FileHash, 64)
	assert.Equal(t, filepath.Join(svc.Settings().ArchiveDir, "job-1.pdf"), out.OutputPath)
	assert.Equal(t, []int{1, 0, 2}, out.Result.OrderedIndices())
	assert.Equal(t, []keys.Key{
		{Value: "0900000001", Prefix: "0900", Preferred: true},
		{Value: "0900000003", Prefix: "0900", Preferred: true},
		{},
	}, out.Result.OrderedKeys())
	assert.Equal(t, []string{"PAGEB", "PAGEA", "PAGEC"}, pageTexts(t, out.OutputPath))
	assert.True(t, tracker.Snapshot().Complete)

	run := rec.last()
	assert.Equal(t, "job-1", run.ID)
	assert.Equal(t, history.StatusCompleted, run.Status)
	assert.Equal(t, 3, run.TotalPages)
	assert.Equal(t, 2, run.KeyedPages)
	assert.Equal(t, 1, run.MissingKeys)
	assert.Equal(t, out.FileHash, run.FileHash)
	assert.Equal(t, out.OutputPath, run.OutputPath)
}

func TestProcess_ExplicitOutputPath(t *testing.T) {
	dir := t.TempDir()
	src := testutil.WritePDF(t, dir, "scan.pdf", "PAGEA", "PAGEB")
	svc, err := New(newSequenceEngine("0800000002", "0800000001"), testSettings(t), WithLogger(discardLogger()))
	require.NoError(t, err)

	dest := filepath.Join(dir, "sorted.pdf")
	out, err := svc.Process(context.Background(), Request{SourcePath: src, OutputPath: dest}, nil)
	require.NoError(t, err)

	assert.NotEmpty(t, out.ID)
	assert.Equal(t, dest, out.OutputPath)
	assert.Equal(t, []string{"PAGEB", "PAGEA"}, pageTexts(t, dest))
}

func TestProcess_NoKeys(t *testing.T) {
	src := testutil.WritePDF(t, t.TempDir(), "scan.pdf", "PAGEA", "PAGEB")
	rec := &memoryRecorder{}
	svc, err := New(newSequenceEngine(), testSettings(t), WithRecorder(rec), WithLogger(discardLogger()))
	require.NoError(t, err)

	tracker := pipeline.NewTracker()
	_, err = svc.Process(context.Background(), Request{SourcePath: src}, tracker)

	require.ErrorIs(t, err, pipeline.ErrNoKeysFound)
	assert.Equal(t, history.StatusNoKeys, rec.last().Status)
	assert.Equal(t, 2, rec.last().TotalPages)
	assert.NotEmpty(t, tracker.Snapshot().Error)
}

func TestProcess_Unreadable(t *testing.T) {
	rec := &memoryRecorder{}
	svc, err := New(newSequenceEngine(), testSettings(t), WithRecorder(rec), WithLogger(discardLogger()))
	require.NoError(t, err)

	tracker := pipeline.NewTracker()
	_, err = svc.Process(context.Background(), Request{SourcePath: filepath.Join(t.TempDir(), "missing.pdf")}, tracker)

	require.ErrorIs(t, err, pipeline.ErrUnreadable)
	s := tracker.Snapshot()
	assert.False(t, s.Complete)
	assert.True(t, s.Failed)
	assert.Equal(t, "failed", s.StatusMessage)
	assert.Equal(t, history.StatusFailed, rec.last().Status)
	assert.Equal(t, "missing.pdf", rec.last().Filename)
}

func TestProcess_RestoresFromCache(t *testing.T) {
	src := testutil.WritePDF(t, t.TempDir(), "scan.pdf", "PAGEA", "PAGEB")
	store := cache.NewMemoryClient(10)
	defer func() { _ = store.Close() }()

	engine := newSequenceEngine("0900000002", "0900000001")
	svc, err := New(engine, testSettings(t), WithCache(store, time.Hour), WithLogger(discardLogger()))
	require.NoError(t, err)

	first, err := svc.Process(context.Background(), Request{SourcePath: src}, nil)
	require.NoError(t, err)
	calls := engine.callCount()

	second, err := svc.Process(context.Background(), Request{SourcePath: src}, nil)
	require.NoError(t, err)

	assert.False(t, first.Result.Restored)
	assert.True(t, second.Result.Restored)
	assert.Equal(t, calls, engine.callCount())
	assert.Equal(t, first.Result.OrderedIndices(), second.Result.OrderedIndices())
	assert.NotEqual(t, first.OutputPath, second.OutputPath)
}

func TestNew_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"no patterns", func(s *Settings) { s.Patterns = nil }},
		{"unknown preferred", func(s *Settings) { s.PreferredPrefix = "1234" }},
		{"bad crop", func(s *Settings) { s.Region.Box.Left = 1.5 }},
		{"no profiles", func(s *Settings) { s.Profiles = []recognizer.Profile{} }},
		{"bad batch size", func(s *Settings) { s.Pipeline.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings(t)
			tt.mutate(&s)
			_, err := New(newSequenceEngine(), s)
			assert.Error(t, err)
		})
	}
}

func TestNamespace(t *testing.T) {
	base := DefaultSettings()
	ns := Namespace(base)
	assert.Len(t, ns, 16)
	assert.Equal(t, ns, Namespace(DefaultSettings()))

	debug := DefaultSettings()
	debug.Region.DebugDir = "/tmp/debug"
	assert.Equal(t, ns, Namespace(debug), "diagnostics must not change the namespace")

	workers := DefaultSettings()
	workers.Pipeline.Workers = 16
	assert.Equal(t, ns, Namespace(workers))

	strict := DefaultSettings()
	strict.StrictLength = true
	assert.NotEqual(t, ns, Namespace(strict))

	dpi := DefaultSettings()
	dpi.Pipeline.DPI = 150
	assert.NotEqual(t, ns, Namespace(dpi))

	engine := DefaultSettings()
	engine.EngineID = "tesseract/deu"
	assert.NotEqual(t, ns, Namespace(engine))
}
