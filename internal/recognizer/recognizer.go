// Package recognizer reads order keys out of prepared page regions by running
// a text recognition engine under several profiles.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"

	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// Engine runs raw text recognition on an image under a single profile.
type Engine interface {
	RecognizeText(ctx context.Context, img image.Image, profile Profile) (string, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, img image.Image, profile Profile) (string, error)

// RecognizeText calls f.
func (f EngineFunc) RecognizeText(ctx context.Context, img image.Image, profile Profile) (string, error) {
	return f(ctx, img, profile)
}

// Recognizer turns a prepared region into an order key.
type Recognizer struct {
	engine   Engine
	table    *keys.Table
	profiles []Profile
	logger   *slog.Logger
}

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithProfiles replaces the default profile list.
func WithProfiles(profiles ...Profile) Option {
	return func(r *Recognizer) {
		r.profiles = append([]Profile(nil), profiles...)
	}
}

// WithLogger sets the logger used for per-profile diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recognizer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Recognizer that runs engine under DefaultProfiles unless
// overridden and matches its output against table.
func New(engine Engine, table *keys.Table, opts ...Option) (*Recognizer, error) {
	if engine == nil {
		return nil, errors.New("recognition engine is required")
	}
	if table == nil {
		return nil, errors.New("key table is required")
	}
	r := &Recognizer{
		engine:   engine,
		table:    table,
		profiles: DefaultProfiles(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.profiles) == 0 {
		return nil, errors.New("at least one recognition profile is required")
	}
	return r, nil
}

// Profiles returns the profiles in the order they are tried.
func (r *Recognizer) Profiles() []Profile {
	return append([]Profile(nil), r.profiles...)
}

// Table returns the key table.
func (r *Recognizer) Table() *keys.Table { return r.table }

// Recognize runs the profiles in order and returns the first key found.
// Candidates are examined in profile order, so the profiles after the first
// matching one are never run. A missing key is not an error: the zero Key is
// returned. An error is only returned when no profile produced usable output.
func (r *Recognizer) Recognize(ctx context.Context, img image.Image) (keys.Key, error) {
	var errs []error
	for _, p := range r.profiles {
		if err := ctx.Err(); err != nil {
			return keys.Key{}, err
		}
		raw, err := r.engine.RecognizeText(ctx, img, p)
		if err != nil {
			r.logger.Debug("recognition profile failed", "profile", p.Name, "error", err)
			errs = append(errs, fmt.Errorf("profile %s: %w", p.Name, err))
			continue
		}
		candidate := keys.Normalize(raw)
		r.logger.Debug("recognition candidate", "profile", p.Name, "candidate", candidate)
		if key, ok := r.table.Match(candidate); ok {
			return key, nil
		}
	}
	if len(errs) == len(r.profiles) {
		return keys.Key{}, errors.Join(errs...)
	}
	return keys.Key{}, nil
}
