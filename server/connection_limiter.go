package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/twmailer/twmailer/logger"
)

// ConnectionLimiter caps concurrent connections globally and per source IP.
// A zero limit disables that check.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.Mutex
	protocol         string
}

func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		protocol:         protocol,
	}
}

// LimitError is returned by Accept when a limit is reached.
type LimitError struct {
	Reason string // "total" or "per_ip"
	msg    string
}

func (e *LimitError) Error() string { return e.msg }

// Accept registers a connection from remoteAddr and returns the function
// that releases it. The release function is safe to call more than once.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := RemoteIP(remoteAddr)

	if cl.maxConnections > 0 {
		if total := cl.currentTotal.Add(1); total > int64(cl.maxConnections) {
			cl.currentTotal.Add(-1)
			return nil, &LimitError{Reason: "total", msg: fmt.Sprintf("maximum connections reached (%d/%d)", total-1, cl.maxConnections)}
		}
	} else {
		cl.currentTotal.Add(1)
	}

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		perIP := ipCounter.Add(1)
		if perIP > int64(cl.maxPerIP) {
			cl.releaseIPLocked(ip, ipCounter)
			cl.mu.Unlock()
			cl.currentTotal.Add(-1)
			return nil, &LimitError{Reason: "per_ip", msg: fmt.Sprintf("maximum connections per IP reached for %s (%d/%d)", ip, perIP-1, cl.maxPerIP)}
		}
		cl.mu.Unlock()
		logger.Debug("Connection limiter: accepted", "protocol", cl.protocol, "ip", ip, "total", cl.currentTotal.Load(), "per_ip", perIP)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter != nil {
				cl.mu.Lock()
				cl.releaseIPLocked(ip, ipCounter)
				cl.mu.Unlock()
			}
		})
	}, nil
}

func (cl *ConnectionLimiter) releaseIPLocked(ip string, counter *atomic.Int64) {
	if counter.Add(-1) <= 0 && cl.perIPConnections[ip] == counter {
		delete(cl.perIPConnections, ip)
	}
}

// ConnectionStats is a snapshot of the limiter's counters.
type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	IPConnections    map[string]int64
}

func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIPConnections)),
	}
	for ip, counter := range cl.perIPConnections {
		stats.IPConnections[ip] = counter.Load()
	}
	return stats
}
