package rpc

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter applies a per-client token bucket keyed by the RealIP
// middleware's resolved address. Idle entries age out to bound memory.
type clientLimiter struct {
	perSecond rate.Limit
	burst     int

	mu      sync.Mutex
	clients map[string]*clientEntry
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute float64, burst int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	if burst <= 0 {
		burst = 100
	}
	l := &clientLimiter{
		perSecond: rate.Limit(perMinute / 60.0),
		burst:     burst,
		clients:   make(map[string]*clientEntry),
	}
	go l.sweep()
	return l
}

func (l *clientLimiter) allow(r *http.Request) bool {
	id := r.RemoteAddr
	now := time.Now()
	l.mu.Lock()
	entry, ok := l.clients[id]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.clients[id] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()
	return entry.limiter.Allow()
}

func (l *clientLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		l.mu.Lock()
		for id, entry := range l.clients {
			if entry.lastSeen.Before(cutoff) {
				delete(l.clients, id)
			}
		}
		l.mu.Unlock()
	}
}
