package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/cache"
	"github.com/MeKo-Tech/pageorder/internal/keys"
	"github.com/MeKo-Tech/pageorder/internal/pipeline"
	"github.com/MeKo-Tech/pageorder/internal/recognizer"
	"github.com/MeKo-Tech/pageorder/internal/recognizer/tesseract"
	"github.com/MeKo-Tech/pageorder/internal/region"
	"github.com/MeKo-Tech/pageorder/internal/reorder"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	base := filepath.Join(os.TempDir(), "pageorder")
	return Config{
		LogLevel:    "info",
		Verbose:     false,
		Region:      defaultRegionConfig(),
		Recognition: defaultRecognitionConfig(),
		Keys: KeysConfig{
			Patterns:        keys.DefaultPatterns(),
			PreferredPrefix: keys.DefaultPreferredPrefix,
		},
		Pipeline: defaultPipelineConfig(),
		Server: ServerConfig{
			Host:              "localhost",
			Port:              8080,
			CORSOrigin:        "*",
			MaxUploadMB:       50,
			ProgressInterval:  300 * time.Millisecond,
			ShutdownTimeout:   10 * time.Second,
			MaxConcurrentJobs: 2,
		},
		Storage: StorageConfig{
			UploadDir:     filepath.Join(base, "uploads"),
			ArchiveDir:    filepath.Join(base, "archive"),
			Retention:     7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		History: HistoryConfig{
			Path: filepath.Join(base, "history.db"),
		},
		Cache: CacheConfig{
			Backend:    cache.BackendMemory,
			MaxEntries: 256,
			RedisAddr:  "localhost:6379",
			TTL:        24 * time.Hour,
		},
	}
}

func defaultRegionConfig() RegionConfig {
	cfg := region.DefaultConfig()
	return RegionConfig{
		Left:       cfg.Box.Left,
		Top:        cfg.Box.Top,
		Right:      cfg.Box.Right,
		Bottom:     cfg.Box.Bottom,
		Upscale:    cfg.Upscale,
		Contrast:   cfg.Contrast,
		Brightness: cfg.Brightness,
	}
}

func defaultRecognitionConfig() RecognitionConfig {
	return RecognitionConfig{
		Language:    "eng",
		Profiles:    recognizer.DefaultProfileNames(),
		PageTimeout: pipeline.DefaultConfig().PageTimeout,
	}
}

func defaultPipelineConfig() PipelineConfig {
	cfg := pipeline.DefaultConfig()
	return PipelineConfig{
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		DPI:       cfg.DPI,
		OnNoKeys:  string(cfg.OnNoKeys),
	}
}

// Validate validates the configuration and returns the first problem found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if err := c.toRegionConfig().Validate(); err != nil {
		return fmt.Errorf("invalid region: %w", err)
	}

	if strings.TrimSpace(c.Recognition.Language) == "" {
		return fmt.Errorf("recognition.language must not be empty")
	}
	if _, err := recognizer.ProfilesByName(c.Recognition.Profiles); err != nil {
		return fmt.Errorf("invalid recognition.profiles: %w", err)
	}

	if _, err := c.keyTable(); err != nil {
		return fmt.Errorf("invalid keys: %w", err)
	}

	if err := c.toPipelineConfig().Validate(); err != nil {
		return fmt.Errorf("invalid pipeline: %w", err)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.ProgressInterval <= 0 {
		return fmt.Errorf("invalid progress interval: %s (must be positive)", c.Server.ProgressInterval)
	}
	if c.Server.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("invalid max concurrent jobs: %d (must be positive)", c.Server.MaxConcurrentJobs)
	}

	if c.Storage.Retention < 0 {
		return fmt.Errorf("invalid storage retention: %s (must not be negative)", c.Storage.Retention)
	}

	validBackends := []string{cache.BackendMemory, cache.BackendRedis, cache.BackendNone}
	if !slices.Contains(validBackends, c.Cache.Backend) {
		return fmt.Errorf("invalid cache backend: %s (must be one of: %s)", c.Cache.Backend, strings.Join(validBackends, ", "))
	}
	if c.Cache.Backend == cache.BackendRedis && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis backend")
	}

	return nil
}

// ToSettings converts the config to the settings of the reorder service.
func (c *Config) ToSettings() (reorder.Settings, error) {
	profiles, err := recognizer.ProfilesByName(c.Recognition.Profiles)
	if err != nil {
		return reorder.Settings{}, err
	}
	return reorder.Settings{
		Region:          c.toRegionConfig(),
		Patterns:        slices.Clone(c.Keys.Patterns),
		PreferredPrefix: c.Keys.PreferredPrefix,
		StrictLength:    c.Keys.StrictLength,
		Profiles:        profiles,
		Pipeline:        c.toPipelineConfig(),
		EngineID:        "tesseract/" + strings.Join(c.Languages(), "+"),
		ArchiveDir:      c.Storage.ArchiveDir,
	}, nil
}

// ToEngineOptions converts to the Tesseract engine options.
func (c *Config) ToEngineOptions() tesseract.Options {
	return tesseract.Options{
		Languages:      c.Languages(),
		TessdataPrefix: c.Recognition.TessdataPrefix,
	}
}

// ToCacheConfig converts to cache.Config.
func (c *Config) ToCacheConfig() cache.Config {
	return cache.Config{
		Backend:       c.Cache.Backend,
		MaxEntries:    c.Cache.MaxEntries,
		RedisAddr:     c.Cache.RedisAddr,
		RedisPassword: c.Cache.RedisPassword,
		RedisDB:       c.Cache.RedisDB,
		Prefix:        "pageorder",
	}
}

// Languages splits the recognition language list.
func (c *Config) Languages() []string {
	var out []string
	for _, l := range strings.Split(c.Recognition.Language, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func (c *Config) keyTable() (*keys.Table, error) {
	return keys.NewTable(c.Keys.Patterns, c.Keys.PreferredPrefix, keys.WithStrictLength(c.Keys.StrictLength))
}

func (c *Config) toRegionConfig() region.Config {
	return region.Config{
		Box: region.Box{
			Left:   c.Region.Left,
			Top:    c.Region.Top,
			Right:  c.Region.Right,
			Bottom: c.Region.Bottom,
		},
		Upscale:    c.Region.Upscale,
		Contrast:   c.Region.Contrast,
		Brightness: c.Region.Brightness,
		DebugDir:   c.Region.DebugDir,
	}
}

func (c *Config) toPipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.BatchSize = c.Pipeline.BatchSize
	cfg.Workers = c.Pipeline.Workers
	cfg.DPI = c.Pipeline.DPI
	cfg.PageTimeout = c.Recognition.PageTimeout
	cfg.OnNoKeys = pipeline.NoKeysPolicy(c.Pipeline.OnNoKeys)
	cfg.CacheTTL = c.Cache.TTL
	return cfg
}

// ParseCrop parses a "left,top,right,bottom" fraction list into the region.
func (c *Config) ParseCrop(s string) error {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return fmt.Errorf("crop must have four comma-separated fractions, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v[i]); err != nil {
			return fmt.Errorf("invalid crop value %q: %w", p, err)
		}
	}
	box := region.Box{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}
	if err := box.Validate(); err != nil {
		return err
	}
	c.Region.Left, c.Region.Top, c.Region.Right, c.Region.Bottom = v[0], v[1], v[2], v[3]
	return nil
}
