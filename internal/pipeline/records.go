package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/pageorder/internal/cache"
	"github.com/MeKo-Tech/pageorder/internal/keys"
)

// cachedRecord is the stored form of a PageRecord. Faulted pages are never
// stored, so a document with faults is always scanned again.
type cachedRecord struct {
	Index     int    `json:"i"`
	Value     string `json:"v,omitempty"`
	Prefix    string `json:"p,omitempty"`
	Preferred bool   `json:"f,omitempty"`
}

// recordCache stores the scan records of a document under its fingerprint.
type recordCache struct {
	client    cache.Client
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

func (c *recordCache) key(fingerprint string) string {
	return cache.Key("records", c.namespace, fingerprint)
}

func (c *recordCache) load(ctx context.Context, fingerprint string, total int) ([]PageRecord, bool) {
	if fingerprint == "" {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(fingerprint))
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn("record cache lookup failed", "error", err)
			cacheLookups.WithLabelValues("error").Inc()
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}
		return nil, false
	}

	var stored []cachedRecord
	if err := json.Unmarshal(data, &stored); err != nil || len(stored) != total {
		c.logger.Warn("discarding unusable cached records", "fingerprint", fingerprint, "entries", len(stored), "pages", total)
		cacheLookups.WithLabelValues("error").Inc()
		return nil, false
	}

	records := make([]PageRecord, total)
	for i, r := range stored {
		if r.Index != i {
			cacheLookups.WithLabelValues("error").Inc()
			return nil, false
		}
		rec := PageRecord{Index: r.Index}
		if r.Value != "" {
			rec.Key = keys.Key{Value: r.Value, Prefix: r.Prefix, Preferred: r.Preferred}
		}
		records[i] = rec
	}
	cacheLookups.WithLabelValues("hit").Inc()
	c.logger.Debug("records restored from cache", "fingerprint", fingerprint, "pages", total)
	return records, true
}

func (c *recordCache) store(ctx context.Context, fingerprint string, records []PageRecord) {
	stored := make([]cachedRecord, len(records))
	for i, rec := range records {
		if rec.Fault != "" {
			return
		}
		stored[i] = cachedRecord{Index: rec.Index, Value: rec.Key.Value, Prefix: rec.Key.Prefix, Preferred: rec.Key.Preferred}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		c.logger.Warn("encoding records for cache failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.key(fingerprint), data, c.ttl); err != nil {
		c.logger.Warn("storing records in cache failed", "error", err)
	}
}
