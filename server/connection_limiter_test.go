package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

// The release function may be reached from both the normal close path and
// panic recovery; it must only decrement once.
func TestConnectionLimiterDoubleRelease(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 100, 10)

	release, err := limiter.Accept(tcpAddr("192.0.2.1", 12345))
	require.NoError(t, err)
	assert.Equal(t, int64(1), limiter.currentTotal.Load())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), limiter.currentTotal.Load())
	assert.Empty(t, limiter.GetStats().IPConnections)
}

func TestConnectionLimiterLimits(t *testing.T) {
	tests := []struct {
		name       string
		maxTotal   int
		maxPerIP   int
		addrs      []net.Addr
		wantReject string // reason of the last Accept, "" for success
	}{
		{
			name:     "unlimited",
			addrs:    []net.Addr{tcpAddr("192.0.2.1", 1), tcpAddr("192.0.2.1", 2), tcpAddr("192.0.2.1", 3)},
			maxTotal: 0, maxPerIP: 0,
		},
		{
			name:       "total limit",
			maxTotal:   2,
			addrs:      []net.Addr{tcpAddr("192.0.2.1", 1), tcpAddr("192.0.2.2", 1), tcpAddr("192.0.2.3", 1)},
			wantReject: "total",
		},
		{
			name:       "per ip limit",
			maxPerIP:   2,
			addrs:      []net.Addr{tcpAddr("192.0.2.1", 1), tcpAddr("192.0.2.1", 2), tcpAddr("192.0.2.1", 3)},
			wantReject: "per_ip",
		},
		{
			name:     "per ip limit counts addresses separately",
			maxPerIP: 1,
			addrs:    []net.Addr{tcpAddr("192.0.2.1", 1), tcpAddr("192.0.2.2", 1), tcpAddr("192.0.2.3", 1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewConnectionLimiter("TEST", tt.maxTotal, tt.maxPerIP)
			var err error
			for i, addr := range tt.addrs {
				_, err = limiter.Accept(addr)
				if i < len(tt.addrs)-1 {
					require.NoError(t, err)
				}
			}
			if tt.wantReject == "" {
				assert.NoError(t, err)
				return
			}
			var limitErr *LimitError
			require.True(t, errors.As(err, &limitErr), "got %v", err)
			assert.Equal(t, tt.wantReject, limitErr.Reason)
			assert.Equal(t, int64(len(tt.addrs)-1), limiter.currentTotal.Load(), "rejected connections are not counted")
		})
	}
}

func TestConnectionLimiterReleaseFreesSlot(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 0, 1)

	release, err := limiter.Accept(tcpAddr("192.0.2.1", 1))
	require.NoError(t, err)
	_, err = limiter.Accept(tcpAddr("192.0.2.1", 2))
	require.Error(t, err)

	release()
	_, err = limiter.Accept(tcpAddr("192.0.2.1", 3))
	assert.NoError(t, err)
}

func TestConnectionLimiterConcurrentAcceptRelease(t *testing.T) {
	limiter := NewConnectionLimiter("TEST", 1000, 100)

	const connections = 100
	releases := make([]func(), connections)
	var wg sync.WaitGroup
	for i := 0; i < connections; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := limiter.Accept(tcpAddr(fmt.Sprintf("10.0.0.%d", i%10), 1000+i))
			assert.NoError(t, err)
			releases[i] = release
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(connections), limiter.currentTotal.Load())

	for _, release := range releases {
		wg.Add(1)
		go func(release func()) {
			defer wg.Done()
			release()
		}(release)
	}
	wg.Wait()

	assert.Equal(t, int64(0), limiter.currentTotal.Load())
	assert.Empty(t, limiter.GetStats().IPConnections)
}

func TestRemoteIP(t *testing.T) {
	assert.Equal(t, "192.0.2.1", RemoteIP(tcpAddr("192.0.2.1", 25)))
	assert.Equal(t, "2001:db8::1", RemoteIP(tcpAddr("2001:db8::1", 25)))
	assert.Equal(t, "pipe", RemoteIP(&StringAddr{Addr: "pipe"}))
	assert.Equal(t, "", RemoteIP(nil))
}
