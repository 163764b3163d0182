package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/metrics"
)

type cacheEntry struct {
	digest    string // salted SHA-512 of the password that last succeeded
	expiresAt time.Time
}

// Cache remembers successful logins for a TTL so that repeated LOGINs do not
// reach the backend. Only successes are cached: every failure goes to the
// backend, so a wrong password can never be confirmed from memory and the
// failed-login throttle sees each attempt.
type Cache struct {
	next    Authenticator
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
	stopOnce       sync.Once
}

// NewCache wraps next. maxSize and cleanupInterval default to 10000 entries
// and the TTL when zero.
func NewCache(next Authenticator, ttl time.Duration, maxSize int, cleanupInterval time.Duration) *Cache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}

	c := &Cache{
		next:           next,
		ttl:            ttl,
		maxSize:        maxSize,
		now:            time.Now,
		entries:        make(map[string]*cacheEntry),
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval)

	logger.Info("AuthCache: initialized", "ttl", ttl, "max_size", maxSize)
	return c
}

func (c *Cache) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if c.lookup(username, password) {
		c.hits.Add(1)
		metrics.AuthCacheHitsTotal.Inc()
		return true, nil
	}
	c.misses.Add(1)
	metrics.AuthCacheMissesTotal.Inc()

	ok, err := c.next.Authenticate(ctx, username, password)
	if err != nil || !ok {
		return ok, err
	}

	if digest, derr := saltedDigest(password); derr == nil {
		c.store(username, digest)
	}
	return true, nil
}

func (c *Cache) lookup(username, password string) bool {
	c.mu.RLock()
	entry, ok := c.entries[username]
	c.mu.RUnlock()
	if !ok || c.now().After(entry.expiresAt) {
		return false
	}
	return VerifyPassword(entry.digest, password) == nil
}

func (c *Cache) store(username, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[username]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[username] = &cacheEntry{digest: digest, expiresAt: c.now().Add(c.ttl)}
	metrics.AuthCacheEntriesTotal.Set(float64(len(c.entries)))
}

// Invalidate forgets username, e.g. after its password changed.
func (c *Cache) Invalidate(username string) {
	c.mu.Lock()
	delete(c.entries, username)
	metrics.AuthCacheEntriesTotal.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
	)
	for key, entry := range c.entries {
		if oldestKey == "" || entry.expiresAt.Before(oldestTime) {
			oldestKey, oldestTime = key, entry.expiresAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		logger.Debug("AuthCache: removed expired entries", "removed", removed, "remaining", len(c.entries))
		metrics.AuthCacheEntriesTotal.Set(float64(len(c.entries)))
	}
}

// Stats returns hit and miss counts and the current size.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.RLock()
	size = len(c.entries)
	c.mu.RUnlock()
	return c.hits.Load(), c.misses.Load(), size
}

// Close stops the cleanup goroutine and closes the wrapped backend.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
	<-c.cleanupStopped
	return c.next.Close()
}
