package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Batches splits [0,total) into contiguous ranges of at most size pages.
func Batches(total, size int) []PageRange {
	if total <= 0 {
		return nil
	}
	if size <= 0 {
		size = total
	}
	out := make([]PageRange, 0, (total+size-1)/size)
	for first := 0; first < total; first += size {
		out = append(out, PageRange{First: first, Count: min(size, total-first)})
	}
	return out
}

// Scheduler evaluates a document batch by batch. Only one batch of page
// images is alive at a time; pages within a batch run on a bounded pool.
type Scheduler struct {
	evaluator *Evaluator
	batchSize int
	workers   int
	dpi       float64
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(evaluator *Evaluator, batchSize, workers int, dpi float64, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{evaluator: evaluator, batchSize: batchSize, workers: workers, dpi: dpi, logger: logger}
}

// Scan evaluates every page of doc and returns one record per page, indexed
// by original page index. tracker is updated after every page.
func (s *Scheduler) Scan(ctx context.Context, doc Document, tracker *Tracker) ([]PageRecord, error) {
	total := doc.PageCount()
	records := make([]PageRecord, total)
	batches := Batches(total, s.batchSize)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		tracker.SetStatus(fmt.Sprintf("processing batch %d of %d", i+1, len(batches)))

		if err := s.runBatch(ctx, doc, batch, records, tracker); err != nil {
			return nil, err
		}

		batchDuration.Observe(time.Since(start).Seconds())
		// ReadMemStats stops the world; only pay for it when the line is logged.
		if s.logger.Enabled(ctx, slog.LevelDebug) {
			s.logger.Debug("batch finished",
				"batch", i+1,
				"first_page", batch.First,
				"pages", batch.Count,
				"duration", time.Since(start).Round(time.Millisecond),
				"alloc_bytes", GetMemStats().AllocBytes,
			)
		}
	}
	return records, nil
}

func (s *Scheduler) runBatch(ctx context.Context, doc Document, batch PageRange, records []PageRecord, tracker *Tracker) error {
	images, err := doc.Rasterize(ctx, batch, s.dpi)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// the batch still has to account for every page
		s.logger.Warn("batch rasterization failed", "first_page", batch.First, "pages", batch.Count, "error", err)
		images = nil
	}

	byIndex := make(map[int]PageImage, len(images))
	for _, img := range images {
		if img.Index < batch.First || img.Index > batch.Last() {
			s.logger.Warn("rasterizer returned page outside batch", "page", img.Index)
			continue
		}
		byIndex[img.Index] = img
	}
	clear(images)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for idx := batch.First; idx <= batch.Last(); idx++ {
		page, ok := byIndex[idx]
		delete(byIndex, idx)
		g.Go(func() error {
			var rec PageRecord
			if ok {
				rec = s.evaluator.Evaluate(ctx, page)
			} else {
				rec = missingPage(idx, err)
				s.logger.Warn("page was not rasterized", "page", idx)
				pagesEvaluated.WithLabelValues(outcomeFault).Inc()
			}
			// each goroutine owns exactly one slot
			records[idx] = rec
			tracker.PageDone(idx)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func missingPage(idx int, batchErr error) PageRecord {
	reason := "rasterize: page missing from batch"
	if batchErr != nil {
		reason = "rasterize: " + batchErr.Error()
	}
	return PageRecord{Index: idx, Fault: reason}
}
