package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/pageorder/internal/cache"
	"github.com/MeKo-Tech/pageorder/internal/config"
	"github.com/MeKo-Tech/pageorder/internal/history"
	"github.com/MeKo-Tech/pageorder/internal/recognizer/tesseract"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

// stack holds the long-lived resources behind a reorder service.
type stack struct {
	service *reorder.Service
	history *history.Store
	cache   cache.Client
}

// Close releases the cache and history connections.
func (s *stack) Close() error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.history != nil {
		errs = append(errs, s.history.Close())
	}
	return errors.Join(errs...)
}

// stackOptions switches off optional parts of the stack.
type stackOptions struct {
	noCache   bool
	noHistory bool
}

// buildStack wires the Tesseract engine, the record cache and the history
// store into a reorder service. An unavailable cache or history store only
// disables that feature.
func buildStack(cfg *config.Config, opts stackOptions, logger *slog.Logger) (*stack, error) {
	settings, err := cfg.ToSettings()
	if err != nil {
		return nil, err
	}

	st := &stack{}
	svcOpts := []reorder.Option{reorder.WithLogger(logger)}

	if !opts.noCache {
		c, err := cache.New(cfg.ToCacheConfig())
		switch {
		case err != nil:
			logger.Warn("record cache unavailable", "backend", cfg.Cache.Backend, "error", err)
		case c != nil:
			st.cache = c
			svcOpts = append(svcOpts, reorder.WithCache(c, cfg.Cache.TTL))
		}
	}

	if !opts.noHistory && cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("run history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			st.history = store
			svcOpts = append(svcOpts, reorder.WithRecorder(store))
		}
	}

	engine := tesseract.New(cfg.ToEngineOptions())
	svc, err := reorder.New(engine, settings, svcOpts...)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build reorder service: %w", err)
	}
	st.service = svc
	return st, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
