// Package retention deletes uploaded and generated documents once they are
// older than the configured retention period.
package retention

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Pruner removes records older than a cutoff. The history store and the
// job manager implement it.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls a Sweeper.
type Config struct {
	Dirs     []string
	MaxAge   time.Duration
	Interval time.Duration
	Pruners  []Pruner
	Logger   *slog.Logger
	Now      func() time.Time
}

// Stats summarizes one sweep.
type Stats struct {
	Removed int
	Bytes   int64
	Pruned  int64
	Errors  int
}

// Sweeper periodically removes expired files.
type Sweeper struct {
	cfg Config
}

// New creates a Sweeper. A non-positive MaxAge disables removal.
func New(cfg Config) *Sweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{cfg: cfg}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.cfg.MaxAge <= 0 {
		s.cfg.Logger.Info("retention disabled")
		return
	}
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes every regular file below the configured directories whose
// modification time is older than MaxAge.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	var stats Stats
	if s.cfg.MaxAge <= 0 {
		return stats
	}
	cutoff := s.cfg.Now().Add(-s.cfg.MaxAge)

	for _, dir := range s.cfg.Dirs {
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
				return nil //nolint:nilerr // unreadable entries are left alone
			}
			if err := os.Remove(path); err != nil {
				stats.Errors++
				s.cfg.Logger.Warn("failed to remove expired file", "path", path, "error", err)
				return nil
			}
			stats.Removed++
			stats.Bytes += info.Size()
			return nil
		})
		if err != nil && ctx.Err() == nil {
			stats.Errors++
			s.cfg.Logger.Warn("retention sweep failed", "dir", dir, "error", err)
		}
	}

	for _, p := range s.cfg.Pruners {
		if ctx.Err() != nil {
			break
		}
		n, err := p.DeleteBefore(ctx, cutoff)
		if err != nil {
			stats.Errors++
			s.cfg.Logger.Warn("failed to prune records", "error", err)
		}
		stats.Pruned += n
	}

	if stats.Removed > 0 || stats.Pruned > 0 || stats.Errors > 0 {
		s.cfg.Logger.Info("retention sweep finished",
			"removed", stats.Removed,
			"bytes", stats.Bytes,
			"pruned", stats.Pruned,
			"errors", stats.Errors,
		)
	}
	return stats
}
