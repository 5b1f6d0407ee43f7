package mx

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheSize caps the number of domains held by a CachingResolver
const DefaultCacheSize = 1000

type cacheEntry struct {
	hosts     []string
	expiresAt time.Time
	lastHit   time.Time
}

// CachingResolver keeps successful MX answers in memory for a fixed TTL.
// Empty answers are never cached so a transient failure is retried on the
// next verification.
type CachingResolver struct {
	next    Resolver
	ttl     time.Duration
	maxSize int
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewCachingResolver wraps next. A maxSize of zero or less uses DefaultCacheSize.
func NewCachingResolver(next Resolver, ttl time.Duration, maxSize int, logger *slog.Logger) *CachingResolver {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		logger:  logger.With("component", "mx-cache"),
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// LookupMX implements Resolver
func (cr *CachingResolver) LookupMX(ctx context.Context, domain string) []string {
	if hosts, ok := cr.get(domain); ok {
		cr.logger.Debug("MX cache hit", "domain", domain)
		return hosts
	}

	hosts := cr.next.LookupMX(ctx, domain)
	if len(hosts) > 0 {
		cr.put(domain, hosts)
	}
	return hosts
}

// Len returns the number of cached domains, expired ones included
func (cr *CachingResolver) Len() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.entries)
}

func (cr *CachingResolver) get(domain string) ([]string, bool) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	entry, ok := cr.entries[domain]
	if !ok {
		return nil, false
	}
	now := cr.now()
	if !now.Before(entry.expiresAt) {
		delete(cr.entries, domain)
		return nil, false
	}
	entry.lastHit = now

	hosts := make([]string, len(entry.hosts))
	copy(hosts, entry.hosts)
	return hosts, true
}

func (cr *CachingResolver) put(domain string, hosts []string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	if _, exists := cr.entries[domain]; !exists && len(cr.entries) >= cr.maxSize {
		cr.evictLocked()
	}

	now := cr.now()
	stored := make([]string, len(hosts))
	copy(stored, hosts)
	cr.entries[domain] = &cacheEntry{
		hosts:     stored,
		expiresAt: now.Add(cr.ttl),
		lastHit:   now,
	}
}

// evictLocked drops expired entries, or the least recently used one when
// nothing has expired.
func (cr *CachingResolver) evictLocked() {
	now := cr.now()
	var oldestKey string
	var oldest time.Time

	for key, entry := range cr.entries {
		if !now.Before(entry.expiresAt) {
			delete(cr.entries, key)
			continue
		}
		if oldestKey == "" || entry.lastHit.Before(oldest) {
			oldestKey = key
			oldest = entry.lastHit
		}
	}

	if len(cr.entries) >= cr.maxSize && oldestKey != "" {
		delete(cr.entries, oldestKey)
		cr.logger.Debug("MX cache entry evicted", "domain", oldestKey)
	}
}
