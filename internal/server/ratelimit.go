package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter throttles per client IP. Login and emergency-access are the
// two unauthenticated doors into the vault; each gets its own limiter so a
// credential-guessing loop on one cannot starve the other.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	clients map[string]*clientBucket
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int, ttl time.Duration) *clientLimiter {
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		clients: make(map[string]*clientBucket),
	}
}

// allow reports whether the client may make another attempt now. Buckets idle
// past the ttl are dropped on the way through.
func (c *clientLimiter) allow(ip string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.clients[ip]
	if b == nil {
		b = &clientBucket{lim: rate.NewLimiter(c.limit, c.burst), lastSeen: now}
		c.clients[ip] = b
	}
	b.lastSeen = now

	for k, v := range c.clients {
		if now.Sub(v.lastSeen) > c.ttl {
			delete(c.clients, k)
		}
	}
	return b.lim.Allow()
}

// clientIP extracts the originating address, trusting the first hop of
// X-Forwarded-For when a reverse proxy fronts the daemon.
func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
