//nolint:lll
package config

import (
	"time"

	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// Config represents the complete configuration for pageorder.
// It covers every command (reorder, serve, history) and is loaded from
// configuration files, environment variables and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Key region cropping and enhancement
	Region RegionConfig `mapstructure:"region" yaml:"region" json:"region"`

	// Text recognition
	Recognition RecognitionConfig `mapstructure:"recognition" yaml:"recognition" json:"recognition"`

	// Accepted key formats
	Keys KeysConfig `mapstructure:"keys" yaml:"keys" json:"keys"`

	// Batch processing
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`

	// Upload and archive directories
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	History HistoryConfig `mapstructure:"history" yaml:"history" json:"history"`

	Cache CacheConfig `mapstructure:"cache" yaml:"cache" json:"cache"`
}

// RegionConfig describes the key region as fractions of the page and the
// enhancement applied to it.
type RegionConfig struct {
	Left       float64 `mapstructure:"left" yaml:"left" json:"left"`
	Top        float64 `mapstructure:"top" yaml:"top" json:"top"`
	Right      float64 `mapstructure:"right" yaml:"right" json:"right"`
	Bottom     float64 `mapstructure:"bottom" yaml:"bottom" json:"bottom"`
	Upscale    int     `mapstructure:"upscale" yaml:"upscale" json:"upscale"`
	Contrast   float64 `mapstructure:"contrast" yaml:"contrast" json:"contrast"`
	Brightness float64 `mapstructure:"brightness" yaml:"brightness" json:"brightness"`
	DebugDir   string  `mapstructure:"debug_dir" yaml:"debug_dir" json:"debug_dir"`
}

// RecognitionConfig contains text recognition settings.
type RecognitionConfig struct {
	// Language is a Tesseract language list such as "eng" or "eng+deu".
	Language       string        `mapstructure:"language" yaml:"language" json:"language"`
	Profiles       []string      `mapstructure:"profiles" yaml:"profiles" json:"profiles"`
	PageTimeout    time.Duration `mapstructure:"page_timeout" yaml:"page_timeout" json:"page_timeout"`
	TessdataPrefix string        `mapstructure:"tessdata_prefix" yaml:"tessdata_prefix" json:"tessdata_prefix"`
}

// KeysConfig lists the accepted key formats.
type KeysConfig struct {
	Patterns        []keys.Pattern `mapstructure:"patterns" yaml:"patterns" json:"patterns"`
	PreferredPrefix string         `mapstructure:"preferred_prefix" yaml:"preferred_prefix" json:"preferred_prefix"`
	StrictLength    bool           `mapstructure:"strict_length" yaml:"strict_length" json:"strict_length"`
}

// PipelineConfig contains batch processing settings.
type PipelineConfig struct {
	BatchSize int     `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	Workers   int     `mapstructure:"workers" yaml:"workers" json:"workers"`
	DPI       float64 `mapstructure:"dpi" yaml:"dpi" json:"dpi"`
	OnNoKeys  string  `mapstructure:"on_no_keys" yaml:"on_no_keys" json:"on_no_keys"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `mapstructure:"host" yaml:"host" json:"host"`
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin        string        `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB       int           `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progress_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
}

// StorageConfig contains file locations and their retention.
type StorageConfig struct {
	UploadDir     string        `mapstructure:"upload_dir" yaml:"upload_dir" json:"upload_dir"`
	ArchiveDir    string        `mapstructure:"archive_dir" yaml:"archive_dir" json:"archive_dir"`
	Retention     time.Duration `mapstructure:"retention" yaml:"retention" json:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
}

// HistoryConfig locates the run history database.
type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// CacheConfig selects the record cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend" json:"backend"`
	MaxEntries    int           `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries"`
	RedisAddr     string        `mapstructure:"redis_addr" yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password" yaml:"redis_password" json:"-"`
	RedisDB       int           `mapstructure:"redis_db" yaml:"redis_db" json:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
}
