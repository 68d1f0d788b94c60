package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/jobs"
)

// Event names used by both progress streams.
const (
	eventProgress = "progress"
	eventComplete = "complete"
)

// progressStream feeds emit with job snapshots: at most once per interval
// while the state changes, and once more when the job has finished. It
// returns when the job finished, stop is closed or emit fails.
func progressStream(job *jobs.Job, interval time.Duration, stop <-chan struct{}, emit func(event string, snap jobs.Snapshot) error) error {
	updates, cancel := job.Tracker.Subscribe()
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := true
	for {
		select {
		case <-stop:
			return nil
		case <-job.Done():
			return emit(eventComplete, job.Snapshot())
		case _, ok := <-updates:
			if !ok {
				updates = nil
			}
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if err := emit(eventProgress, job.Snapshot()); err != nil {
				return err
			}
		}
	}
}

// jobEventsHandler streams job progress as server-sent events.
func (s *Server) jobEventsHandler(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("progress stream not supported", "job_id", job.ID, "error", err)
		return
	}

	streamSubscribers.WithLabelValues("sse").Inc()
	defer streamSubscribers.WithLabelValues("sse").Dec()

	err := progressStream(job, s.progressInterval, r.Context().Done(), func(event string, snap jobs.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		streamMessagesTotal.WithLabelValues("sse").Inc()
		return rc.Flush()
	})
	if err != nil {
		s.logger.Debug("progress stream closed", "job_id", job.ID, "error", err)
	}
}
