package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/verify"
)

// DefaultTTL is how long an outcome stays fresh
const DefaultTTL = 24 * time.Hour

// Cache applies a time-to-live on top of a Store. Storage failures degrade
// to misses on read.
type Cache struct {
	store   Store
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCache creates a TTL cache over store
func NewCache(store Store, ttl time.Duration, logger *slog.Logger, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "verification-cache", "backend", store.Type()),
		metrics: m,
	}
}

// TTL returns the freshness window
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a fresh outcome marked FromCache, or nil
func (c *Cache) Get(ctx context.Context, email string) *verify.Outcome {
	o, err := c.store.Get(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.metrics.CacheOp("get", "miss")
		} else {
			c.metrics.CacheOp("get", "error")
			c.logger.Error("Failed to read cached outcome", "email", email, "error", err)
		}
		return nil
	}

	if c.now().Sub(o.Timestamp) >= c.ttl {
		c.metrics.CacheOp("get", "expired")
		return nil
	}

	c.metrics.CacheOp("get", "hit")
	c.logger.Info("Cache hit", "email", email)
	o.FromCache = true
	return o
}

// Put writes o through to the store
func (c *Cache) Put(ctx context.Context, o *verify.Outcome) error {
	if o.Timestamp.IsZero() {
		c.metrics.CacheOp("put", "error")
		return ErrNoTimestamp
	}
	if err := c.store.Put(ctx, o); err != nil {
		c.metrics.CacheOp("put", "error")
		return err
	}
	c.metrics.CacheOp("put", "ok")
	return nil
}

// Counts delegates to the store
func (c *Cache) Counts(ctx context.Context, since time.Time) (verify.Counts, error) {
	return c.store.Counts(ctx, since)
}
