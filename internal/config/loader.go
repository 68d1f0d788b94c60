package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "pageorder"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "PAGEORDER"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v       *viper.Viper
	dotenv  string
	noPaths bool
}

// NewLoader creates a loader on the global viper instance, which is where
// the cobra flags are bound.
func NewLoader() *Loader {
	return &Loader{v: viper.GetViper(), dotenv: ".env"}
}

// NewLoaderWithViper creates a loader on v and skips the standard search
// paths and the .env file.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, noPaths: true}
}

// Load loads configuration from files, environment variables and defaults,
// and validates the result.
func (l *Loader) Load() (*Config, error) {
	return l.LoadWithFile("")
}

// LoadWithFile loads configuration from a specific file path. An empty path
// searches the standard locations.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	cfg, err := l.LoadWithFileWithoutValidation(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithFileWithoutValidation loads configuration from a specific file path without validation.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configFile)
		}
		l.v.SetConfigFile(configFile)
	} else {
		l.v.SetConfigName(ConfigFileName)
		l.v.SetConfigType("yaml")
		if !l.noPaths {
			l.addConfigPaths()
		}
	}

	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		// A missing config file is fine when searching; defaults and env apply.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &config, nil
}

// Set sets a value in the configuration.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// GetConfigFileUsed returns the path of the config file used.
func (l *Loader) GetConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// GetViper returns the underlying viper instance for advanced usage.
func (l *Loader) GetViper() *viper.Viper {
	return l.v
}

// addConfigPaths adds the standard configuration search paths.
func (l *Loader) addConfigPaths() {
	for _, p := range GetConfigSearchPaths() {
		l.v.AddConfigPath(p)
	}
}

// setupEnvironmentVariables loads .env and configures environment variable handling.
func (l *Loader) setupEnvironmentVariables() {
	if l.dotenv != "" {
		_ = godotenv.Load(l.dotenv) // a missing .env is fine
	}
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// Replace dots and dashes with underscores in env var names
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults sets default values for all configuration options. Every key
// needs a default so AutomaticEnv can see it.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	l.v.SetDefault("region.left", d.Region.Left)
	l.v.SetDefault("region.top", d.Region.Top)
	l.v.SetDefault("region.right", d.Region.Right)
	l.v.SetDefault("region.bottom", d.Region.Bottom)
	l.v.SetDefault("region.upscale", d.Region.Upscale)
	l.v.SetDefault("region.contrast", d.Region.Contrast)
	l.v.SetDefault("region.brightness", d.Region.Brightness)
	l.v.SetDefault("region.debug_dir", d.Region.DebugDir)

	l.v.SetDefault("recognition.language", d.Recognition.Language)
	l.v.SetDefault("recognition.profiles", d.Recognition.Profiles)
	l.v.SetDefault("recognition.page_timeout", d.Recognition.PageTimeout)
	l.v.SetDefault("recognition.tessdata_prefix", d.Recognition.TessdataPrefix)

	patterns := make([]map[string]any, len(d.Keys.Patterns))
	for i, p := range d.Keys.Patterns {
		patterns[i] = map[string]any{"prefix": p.Prefix, "length": p.Length}
	}
	l.v.SetDefault("keys.patterns", patterns)
	l.v.SetDefault("keys.preferred_prefix", d.Keys.PreferredPrefix)
	l.v.SetDefault("keys.strict_length", d.Keys.StrictLength)

	l.v.SetDefault("pipeline.batch_size", d.Pipeline.BatchSize)
	l.v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	l.v.SetDefault("pipeline.dpi", d.Pipeline.DPI)
	l.v.SetDefault("pipeline.on_no_keys", d.Pipeline.OnNoKeys)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.progress_interval", d.Server.ProgressInterval)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.max_concurrent_jobs", d.Server.MaxConcurrentJobs)

	l.v.SetDefault("storage.upload_dir", d.Storage.UploadDir)
	l.v.SetDefault("storage.archive_dir", d.Storage.ArchiveDir)
	l.v.SetDefault("storage.retention", d.Storage.Retention)
	l.v.SetDefault("storage.sweep_interval", d.Storage.SweepInterval)

	l.v.SetDefault("history.path", d.History.Path)

	l.v.SetDefault("cache.backend", d.Cache.Backend)
	l.v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	l.v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	l.v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	l.v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	l.v.SetDefault("cache.ttl", d.Cache.TTL)
}

// WriteYAML writes cfg as YAML. The redis password is masked.
func WriteYAML(w io.Writer, cfg *Config) error {
	out := *cfg
	if out.Cache.RedisPassword != "" {
		out.Cache.RedisPassword = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return err
	}
	return enc.Close()
}

// GenerateDefaultConfigFile writes the default configuration to filename.
// An existing file is not overwritten.
func GenerateDefaultConfigFile(filename string) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := WriteYAML(f, &cfg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// GetConfigSearchPaths returns the paths where configuration files are searched.
func GetConfigSearchPaths() []string {
	paths := []string{"."}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}

	if configDir, exists := os.LookupEnv("XDG_CONFIG_HOME"); exists {
		paths = append(paths, filepath.Join(configDir, ConfigFileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigFileName))
	}

	paths = append(paths, "/etc/"+ConfigFileName)

	return paths
}
