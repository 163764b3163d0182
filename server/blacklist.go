package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/twmailer/twmailer/config"
	"github.com/twmailer/twmailer/logger"
	"github.com/twmailer/twmailer/pkg/metrics"
)

// BlacklistEntry records the last offense of a source address.
type BlacklistEntry struct {
	IP      string    `json:"ip"`
	Since   time.Time `json:"since"`
	Expires time.Time `json:"expires"`
}

// Blacklist is the set of source addresses that may not log in. An entry is
// active while now - since <= window; expired entries are ignored by
// IsBlacklisted whether or not they have been swept.
//
// Implementations are shared by every connection and must be safe for
// concurrent use.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, ip string) (bool, error)
	// Add inserts ip, or restarts its window if it is already present.
	Add(ctx context.Context, ip string) error
	// Remove deletes ip and reports whether it was present.
	Remove(ctx context.Context, ip string) (bool, error)
	// Sweep deletes expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	// Entries returns the active entries ordered by address.
	Entries(ctx context.Context) ([]BlacklistEntry, error)
	Close() error
}

// NewBlacklist builds the backend selected by cfg.
func NewBlacklist(cfg config.BlacklistConfig) (Blacklist, error) {
	window, err := cfg.GetWindow()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBlacklist(window), nil
	case "sqlite":
		return NewSQLiteBlacklist(cfg.Path, window)
	default:
		return nil, fmt.Errorf("unknown blacklist backend %q", cfg.Backend)
	}
}

// MemoryBlacklist keeps entries in a map guarded by a RWMutex. It is shared
// by the goroutines of one process.
type MemoryBlacklist struct {
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryBlacklist(window time.Duration) *MemoryBlacklist {
	return &MemoryBlacklist{
		window:  window,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// SetClock replaces the time source used for window checks. It must be
// called before the blacklist is in use.
func (b *MemoryBlacklist) SetClock(now func() time.Time) {
	b.now = now
}

func (b *MemoryBlacklist) active(since, now time.Time) bool {
	return now.Sub(since) <= b.window
}

func (b *MemoryBlacklist) IsBlacklisted(_ context.Context, ip string) (bool, error) {
	b.mu.RLock()
	since, ok := b.entries[ip]
	b.mu.RUnlock()
	return ok && b.active(since, b.now()), nil
}

func (b *MemoryBlacklist) Add(_ context.Context, ip string) error {
	b.mu.Lock()
	b.entries[ip] = b.now()
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) Remove(_ context.Context, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[ip]
	delete(b.entries, ip)
	return ok, nil
}

func (b *MemoryBlacklist) Sweep(_ context.Context) (int, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for ip, since := range b.entries {
		if !b.active(since, now) {
			delete(b.entries, ip)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBlacklist) Entries(_ context.Context) ([]BlacklistEntry, error) {
	now := b.now()
	b.mu.RLock()
	out := make([]BlacklistEntry, 0, len(b.entries))
	for ip, since := range b.entries {
		if b.active(since, now) {
			out = append(out, BlacklistEntry{IP: ip, Since: since, Expires: since.Add(b.window)})
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out, nil
}

func (b *MemoryBlacklist) Close() error { return nil }

// RunBlacklistSweeper sweeps bl every interval until ctx is done.
func RunBlacklistSweeper(ctx context.Context, bl Blacklist, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			SweepBlacklist(ctx, bl)
		}
	}
}

// SweepBlacklist runs one sweep and refreshes the entry gauge.
func SweepBlacklist(ctx context.Context, bl Blacklist) (int, error) {
	removed, err := bl.Sweep(ctx)
	if err != nil {
		logger.Warn("Blacklist: sweep failed", "error", err)
		return 0, err
	}
	if removed > 0 {
		metrics.BlacklistSwept.Add(float64(removed))
		logger.Debug("Blacklist: swept expired entries", "count", removed)
	}
	if entries, err := bl.Entries(ctx); err == nil {
		metrics.BlacklistEntries.Set(float64(len(entries)))
	}
	return removed, nil
}
