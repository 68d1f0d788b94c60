// Package cache stores recognized page records so an unchanged document does
// not have to be recognized twice.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCacheMiss indicates a cache miss.
var ErrCacheMiss = errors.New("cache miss")

// Client defines the cache interface.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	MaxEntries    int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
}

// New builds the configured client. It returns (nil, nil) for BackendNone.
func New(cfg Config) (Client, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		return NewMemoryClient(cfg.MaxEntries), nil
	case BackendRedis:
		return NewRedisClient(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Key joins key components with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
