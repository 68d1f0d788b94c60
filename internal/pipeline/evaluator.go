package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// errPageTimeout marks recognition that ran past the per-page limit.
var errPageTimeout = errors.New("page recognition timed out")

// Evaluator turns one page image into a PageRecord. It never fails: faults
// are logged and recorded as an absent key.
type Evaluator struct {
	prep    Preparer
	rec     KeyRecognizer
	timeout time.Duration
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator. A zero timeout disables the per-page limit.
func NewEvaluator(prep Preparer, rec KeyRecognizer, timeout time.Duration, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{prep: prep, rec: rec, timeout: timeout, logger: logger}
}

// Evaluate prepares and recognizes the page.
func (e *Evaluator) Evaluate(ctx context.Context, page PageImage) PageRecord {
	key, err := e.evaluate(ctx, page)
	if err != nil {
		e.logger.Warn("page evaluation failed", "page", page.Index, "error", err)
		pagesEvaluated.WithLabelValues(outcomeFault).Inc()
		return PageRecord{Index: page.Index, Fault: err.Error()}
	}
	if key.Found() {
		pagesEvaluated.WithLabelValues(outcomeKeyed).Inc()
	} else {
		e.logger.Debug("no order key on page", "page", page.Index)
		pagesEvaluated.WithLabelValues(outcomeAbsent).Inc()
	}
	return PageRecord{Index: page.Index, Key: key}
}

type evalResult struct {
	key keys.Key
	err error
}

func (e *Evaluator) evaluate(ctx context.Context, page PageImage) (keys.Key, error) {
	if e.timeout <= 0 {
		return e.run(ctx, page)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		key, err := e.run(ctx, page)
		done <- evalResult{key: key, err: err}
	}()

	select {
	case res := <-done:
		return res.key, res.err
	case <-ctx.Done():
		// The engine may ignore ctx. Hold the worker slot and the page image
		// until it returns so the worker limit and batch memory bound hold.
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return keys.Key{}, fmt.Errorf("%w after %s", errPageTimeout, e.timeout)
		}
		return keys.Key{}, ctx.Err()
	}
}

// run recovers panics from the preparer or recognizer so a single bad page
// cannot take down the batch.
func (e *Evaluator) run(ctx context.Context, page PageImage) (key keys.Key, err error) {
	defer func() {
		if r := recover(); r != nil {
			key, err = keys.Key{}, fmt.Errorf("panic: %v", r)
		}
	}()

	if page.Image == nil {
		return keys.Key{}, errors.New("page was not rasterized")
	}
	region, err := e.prep.Prepare(page.Image, page.Index)
	if err != nil {
		return keys.Key{}, fmt.Errorf("prepare: %w", err)
	}
	key, err = e.rec.Recognize(ctx, region)
	if err != nil {
		return keys.Key{}, fmt.Errorf("recognize: %w", err)
	}
	return key, nil
}
