package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twmailer/twmailer/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const testWindow = 60 * time.Second

func blacklistBackends() map[string]func(*testing.T, *fakeClock) Blacklist {
	return map[string]func(*testing.T, *fakeClock) Blacklist{
		"memory": func(_ *testing.T, c *fakeClock) Blacklist {
			b := NewMemoryBlacklist(testWindow)
			b.now = c.Now
			return b
		},
		"sqlite": func(t *testing.T, c *fakeClock) Blacklist {
			b, err := NewSQLiteBlacklist(filepath.Join(t.TempDir(), "blacklist.db"), testWindow)
			require.NoError(t, err)
			b.now = c.Now
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
}

func TestBlacklistWindow(t *testing.T) {
	ctx := context.Background()
	for name, newBL := range blacklistBackends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			bl := newBL(t, clock)

			listed, err := bl.IsBlacklisted(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.False(t, listed)

			require.NoError(t, bl.Add(ctx, "192.0.2.1"))

			listed, err = bl.IsBlacklisted(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.True(t, listed)

			listed, err = bl.IsBlacklisted(ctx, "192.0.2.2")
			require.NoError(t, err)
			assert.False(t, listed, "other addresses are unaffected")

			clock.Advance(testWindow)
			listed, err = bl.IsBlacklisted(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.True(t, listed, "still active at exactly the window")

			clock.Advance(time.Nanosecond)
			listed, err = bl.IsBlacklisted(ctx, "192.0.2.1")
			require.NoError(t, err)
			assert.False(t, listed, "expired without any sweep")
		})
	}
}

func TestBlacklistAddRestartsWindow(t *testing.T) {
	ctx := context.Background()
	for name, newBL := range blacklistBackends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			bl := newBL(t, clock)

			require.NoError(t, bl.Add(ctx, "198.51.100.7"))
			clock.Advance(50 * time.Second)
			require.NoError(t, bl.Add(ctx, "198.51.100.7"))
			clock.Advance(50 * time.Second)

			listed, err := bl.IsBlacklisted(ctx, "198.51.100.7")
			require.NoError(t, err)
			assert.True(t, listed)

			entries, err := bl.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, clock.Now().Add(-50*time.Second).UnixNano(), entries[0].Since.UnixNano())
		})
	}
}

func TestBlacklistSweepAndRemove(t *testing.T) {
	ctx := context.Background()
	for name, newBL := range blacklistBackends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			bl := newBL(t, clock)

			require.NoError(t, bl.Add(ctx, "10.0.0.1"))
			require.NoError(t, bl.Add(ctx, "10.0.0.2"))
			clock.Advance(40 * time.Second)
			require.NoError(t, bl.Add(ctx, "10.0.0.3"))
			clock.Advance(30 * time.Second)

			removed, err := bl.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			entries, err := bl.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "10.0.0.3", entries[0].IP)
			assert.Equal(t, entries[0].Since.Add(testWindow), entries[0].Expires)

			ok, err := bl.Remove(ctx, "10.0.0.3")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = bl.Remove(ctx, "10.0.0.3")
			require.NoError(t, err)
			assert.False(t, ok)

			listed, err := bl.IsBlacklisted(ctx, "10.0.0.3")
			require.NoError(t, err)
			assert.False(t, listed)
		})
	}
}

func TestBlacklistConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	for name, newBL := range blacklistBackends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			bl := newBL(t, clock)

			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						ip := fmt.Sprintf("203.0.113.%d", (w*20+i)%50)
						assert.NoError(t, bl.Add(ctx, ip))
						listed, err := bl.IsBlacklisted(ctx, ip)
						assert.NoError(t, err)
						assert.True(t, listed)
						_, err = bl.Sweep(ctx)
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()

			entries, err := bl.Entries(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 50)
		})
	}
}

func TestSQLiteBlacklistIsShared(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteBlacklist(path, testWindow)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewSQLiteBlacklist(path, testWindow)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Add(ctx, "192.0.2.99"))
	listed, err := b.IsBlacklisted(ctx, "192.0.2.99")
	require.NoError(t, err)
	assert.True(t, listed)
}

func TestNewBlacklist(t *testing.T) {
	bl, err := NewBlacklist(config.BlacklistConfig{Backend: "memory", Window: "5s"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBlacklist{}, bl)

	bl, err = NewBlacklist(config.BlacklistConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "x", "bl.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBlacklist{}, bl)
	require.NoError(t, bl.Close())

	_, err = NewBlacklist(config.BlacklistConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestSweepBlacklistHelper(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	bl := NewMemoryBlacklist(testWindow)
	bl.now = clock.Now

	require.NoError(t, bl.Add(context.Background(), "10.1.1.1"))
	clock.Advance(2 * testWindow)

	removed, err := SweepBlacklist(context.Background(), bl)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
