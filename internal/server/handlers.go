package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MeKo-Tech/pageorder/internal/jobs"
	"github.com/MeKo-Tech/pageorder/internal/pdf"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	multipartMemory     = 8 << 20
)

var pdfMagic = []byte("%PDF-")

// healthHandler returns server health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// createJobHandler stores the uploaded PDF and starts a reorder job for it.
func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	limit := s.maxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(strings.ToLower(err.Error()), "request body too large") {
			s.writeError(w, http.StatusRequestEntityTooLarge, "too_large", "File too large")
		} else {
			s.writeError(w, http.StatusBadRequest, "invalid_form", "Failed to parse form data")
		}
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("pdf")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing_file", "No PDF file provided")
		return
	}
	defer func() { _ = file.Close() }()

	path, size, err := s.saveUpload(file)
	if err != nil {
		if errors.Is(err, errNotPDF) {
			s.writeError(w, http.StatusUnsupportedMediaType, "not_a_pdf", "Uploaded file is not a PDF document")
			return
		}
		s.logger.Error("failed to store upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to store upload")
		return
	}
	uploadSizeBytes.Observe(float64(size))

	job, err := s.jobs.Start(reorder.Request{
		SourcePath: path,
		Filename:   filepath.Base(header.Filename),
		Credentials: pdf.Credentials{
			UserPassword:  r.FormValue("password"),
			OwnerPassword: r.FormValue("owner_password"),
		},
	})
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, jobs.ErrShuttingDown) {
			s.writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "start_failed", err.Error())
		return
	}

	s.logger.Info("job accepted", "job_id", job.ID, "file", job.Filename, "bytes", size)
	w.Header().Set("Location", "/jobs/"+job.ID)
	s.writeJSON(w, http.StatusAccepted, job.Snapshot())
}

var errNotPDF = errors.New("not a pdf")

// saveUpload copies the upload into the upload directory after checking the
// PDF header.
func (s *Server) saveUpload(src io.Reader) (string, int64, error) {
	br := bufio.NewReader(src)
	head, err := br.Peek(len(pdfMagic))
	if err != nil || !bytes.Equal(head, pdfMagic) {
		return "", 0, errNotPDF
	}

	dst, err := os.CreateTemp(s.uploadDir, "upload-*.pdf")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(dst, br)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		return "", 0, err
	}
	return dst.Name(), n, nil
}

// listJobsHandler returns the snapshots of all known jobs, newest first.
func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	list := s.jobs.List()
	out := make([]jobs.Snapshot, len(list))
	for i, j := range list {
		out[i] = j.Snapshot()
	}
	s.writeJSON(w, http.StatusOK, JobsResponse{Jobs: out, Count: len(out)})
}

// jobHandler returns the snapshot of one job.
func (s *Server) jobHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job.Snapshot())
}

// jobResultHandler returns the page order of a finished job.
func (s *Server) jobResultHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	out, ok := s.finishedOutcome(w, job)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, buildResultResponse(out))
}

// jobDocumentHandler streams the reordered document of a finished job.
func (s *Server) jobDocumentHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	out, ok := s.finishedOutcome(w, job)
	if !ok {
		return
	}

	f, err := os.Open(out.OutputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusGone, "expired", "Document is no longer available")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "read_failed", "Failed to open document")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "read_failed", "Failed to open document")
		return
	}

	name := strings.TrimSuffix(out.Filename, filepath.Ext(out.Filename)) + "-reordered.pdf"
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(name, `"`, "")+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// historyHandler lists recent runs.
func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history_disabled", "Run history is not configured")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	runs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "history_failed", "Failed to list history")
		return
	}
	s.writeJSON(w, http.StatusOK, HistoryResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*jobs.Job, bool) {
	job, err := s.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not_found", "Job not found")
		return nil, false
	}
	return job, true
}

// finishedOutcome writes the error response for jobs that are still running
// or ended in an error.
func (s *Server) finishedOutcome(w http.ResponseWriter, job *jobs.Job) (*reorder.Outcome, bool) {
	out, err := job.Result()
	if err == nil {
		return out, true
	}
	if errors.Is(err, jobs.ErrNotComplete) {
		s.writeError(w, http.StatusConflict, "not_complete", "Job is still "+string(job.Status()))
		return nil, false
	}
	status, code := classifyError(err)
	s.writeError(w, status, code, err.Error())
	return nil, false
}

// classifyError maps a terminal job error to an HTTP status and error code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrNoKeysFound):
		return http.StatusUnprocessableEntity, "no_keys_found"
	case errors.Is(err, pipeline.ErrEncrypted):
		return http.StatusUnprocessableEntity, "encrypted"
	case errors.Is(err, pipeline.ErrNoPages):
		return http.StatusUnprocessableEntity, "no_pages"
	case errors.Is(err, pipeline.ErrUnreadable):
		return http.StatusUnprocessableEntity, "unreadable"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	default:
		return http.StatusInternalServerError, "processing_failed"
	}
}

func buildResultResponse(out *reorder.Outcome) ResultResponse {
	res := out.Result
	pages := make([]PageEntry, len(res.Records))
	for i, rec := range res.Records {
		pages[i] = PageEntry{Position: i, OriginalIndex: rec.Index, Fault: rec.Fault}
		if rec.Key.Found() {
			v := rec.Key.Value
			pages[i].OrderKey = &v
		}
	}
	return ResultResponse{
		ID:          out.ID,
		Filename:    out.Filename,
		FileHash:    out.FileHash,
		DocumentURL: "/jobs/" + out.ID + "/document",
		Pages:       pages,
		Summary: ResultSummary{
			TotalPages:        res.TotalPages,
			KeyedPages:        res.KeyedPages,
			MissingKeys:       res.MissingKeys,
			FaultPages:        res.FaultPages,
			NoKeysFound:       res.NoKeysFound,
			RestoredFromCache: res.Restored,
			DurationMs:        res.Duration.Milliseconds(),
		},
		Skipped: res.Assembly.Skipped,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
