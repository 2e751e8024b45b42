package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verayang01/chatd/logger"
)

// ConnectionLimiter caps total connections and connections per client IP.
// Addresses in trusted networks count toward the total only.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	protocol         string
	trustedNets      []*net.IPNet
}

// NewConnectionLimiter creates a limiter; zero disables a limit.
func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return NewConnectionLimiterWithTrustedNets(protocol, maxConnections, maxPerIP, nil)
}

func NewConnectionLimiterWithTrustedNets(protocol string, maxConnections, maxPerIP int, trusted []string) *ConnectionLimiter {
	trustedNets, err := ParseTrustedNetworks(trusted)
	if err != nil {
		logger.Warn("Connection limiter: ignoring trusted networks", "protocol", protocol, "error", err)
		trustedNets = nil
	}
	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		protocol:         protocol,
		trustedNets:      trustedNets,
	}
}

func (cl *ConnectionLimiter) IsTrustedConnection(remoteAddr net.Addr) bool {
	if len(cl.trustedNets) == 0 || remoteAddr == nil {
		return false
	}
	var ip net.IP
	if tcp, ok := remoteAddr.(*net.TCPAddr); ok {
		ip = tcp.IP
	} else {
		ip = net.ParseIP(RemoteIP(remoteAddr))
	}
	return ContainsIP(cl.trustedNets, ip)
}

// Accept registers a connection from remoteAddr. The returned func must be
// called exactly once when the connection ends.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	ip := RemoteIP(remoteAddr)
	trackIP := cl.maxPerIP > 0 && !cl.IsTrustedConnection(remoteAddr)

	if cl.maxConnections > 0 {
		// Reserve first, then check, so racing accepts cannot overshoot.
		if n := cl.currentTotal.Add(1); n > int64(cl.maxConnections) {
			cl.currentTotal.Add(-1)
			return nil, fmt.Errorf("maximum connections reached (%d/%d)", n-1, cl.maxConnections)
		}
	} else {
		cl.currentTotal.Add(1)
	}

	var ipCounter *atomic.Int64
	if trackIP {
		cl.mu.Lock()
		ipCounter = cl.perIPConnections[ip]
		if ipCounter == nil {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[ip] = ipCounter
		}
		n := ipCounter.Add(1)
		if n > int64(cl.maxPerIP) {
			ipCounter.Add(-1)
			cl.mu.Unlock()
			cl.currentTotal.Add(-1)
			return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, n-1, cl.maxPerIP)
		}
		cl.mu.Unlock()
	}

	logger.Debug("Connection limiter: accepted", "protocol", cl.protocol, "ip", ip,
		"total", cl.currentTotal.Load(), "max_total", cl.maxConnections, "max_per_ip", cl.maxPerIP)

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.currentTotal.Add(-1)
			if ipCounter == nil {
				return
			}
			cl.mu.Lock()
			if ipCounter.Add(-1) <= 0 && cl.perIPConnections[ip] == ipCounter {
				delete(cl.perIPConnections, ip)
			}
			cl.mu.Unlock()
		})
	}, nil
}

func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

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

// StartCleanup drops idle per-IP entries until ctx is done.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
			cleaned++
		}
	}
	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale IP entries", "protocol", cl.protocol, "count", cleaned)
	}
}

type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	IPConnections    map[string]int64
}
