// Package ratelimit provides per-client token bucket rate limiting for the
// player-facing API. Each image call costs real provider quota, so clients
// are throttled before their requests reach the credential pool.
package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/promptcraft/internal/apierror"
	"github.com/dskow/promptcraft/internal/config"
	"github.com/dskow/promptcraft/internal/metrics"
	"github.com/dskow/promptcraft/internal/routing"
)

const (
	staleAfter      = 3 * time.Minute
	cleanupInterval = time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientKey gives each client a separate bucket per override prefix.
type clientKey struct {
	ip     string
	prefix string
}

type limits struct {
	rate  rate.Limit
	burst int
}

// Limiter tracks per-client rate limiters and periodically evicts idle ones.
type Limiter struct {
	mu           sync.RWMutex
	clients      map[clientKey]*client
	global       limits
	overrides    map[string]limits
	prefixes     []string
	trustedCIDRs []*net.IPNet
	logger       *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Limiter from cfg. trustedProxies is a list of CIDRs whose
// X-Forwarded-For headers are trusted. A background goroutine evicts idle
// clients until Stop is called.
func New(cfg config.RateLimitConfig, trustedProxies []string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		clients:      make(map[clientKey]*client),
		trustedCIDRs: parseCIDRs(trustedProxies, logger),
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	l.apply(cfg)
	go l.cleanup()
	return l
}

func parseCIDRs(cidrs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("invalid trusted proxy CIDR, skipping", "cidr", cidr, "error", err)
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// apply must be called with l.mu held or before l is shared.
func (l *Limiter) apply(cfg config.RateLimitConfig) {
	l.global = limits{rate: rate.Limit(cfg.RequestsPerSecond), burst: cfg.BurstSize}
	l.overrides = make(map[string]limits, len(cfg.Overrides))
	l.prefixes = l.prefixes[:0]
	for _, o := range cfg.Overrides {
		l.overrides[o.PathPrefix] = limits{rate: rate.Limit(o.RequestsPerSecond), burst: o.BurstSize}
		l.prefixes = append(l.prefixes, o.PathPrefix)
	}
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the limits. Existing buckets are dropped so the
// new limits apply on the next request.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(cfg)
	l.clients = make(map[clientKey]*client)
}

// Middleware returns an HTTP middleware that enforces rate limits.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, l.trustedCIDRs)
			prefix, lim := l.limitsForPath(r.URL.Path)

			if !l.getLimiter(clientKey{ip: ip, prefix: prefix}, lim).Allow() {
				l.logger.Warn("rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				label := prefix
				if label == "" {
					label = "default"
				}
				metrics.RateLimitHits.WithLabelValues(label).Inc()

				retryAfter := time.Second
				if lim.rate > 0 {
					retryAfter = time.Duration(float64(time.Second) / float64(lim.rate))
				}
				apierror.WriteRetryable(w, r, apierror.RateLimitExceeded, "rate limit exceeded, retry later", retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP extracts the client address. X-Forwarded-For is honoured only
// when the direct peer is inside trusted; it is walked right to left and the
// first untrusted hop wins.
func ClientIP(r *http.Request, trusted []*net.IPNet) string {
	peerIP := extractIP(r.RemoteAddr)

	if len(trusted) > 0 && isTrusted(peerIP, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				ip := strings.TrimSpace(parts[i])
				if ip != "" && !isTrusted(ip, trusted) {
					return ip
				}
			}
		}
	}
	return peerIP
}

// ParseTrusted parses CIDRs for ClientIP, skipping invalid entries.
func ParseTrusted(cidrs []string, logger *slog.Logger) []*net.IPNet {
	return parseCIDRs(cidrs, logger)
}

func isTrusted(ipStr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// limitsForPath returns the longest matching override prefix and its limits,
// or "" and the global limits.
func (l *Limiter) limitsForPath(path string) (string, limits) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if prefix, ok := routing.LongestMatch(path, l.prefixes); ok {
		return prefix, l.overrides[prefix]
	}
	return "", l.global
}

// getLimiter returns or creates the bucket for key. rate.Limiter is
// goroutine-safe, so Allow is called outside our lock.
func (l *Limiter) getLimiter(key clientKey, lim limits) *rate.Limiter {
	l.mu.RLock()
	if c, ok := l.clients[key]; ok {
		stale := time.Since(c.lastSeen) > cleanupInterval
		l.mu.RUnlock()
		if stale {
			l.mu.Lock()
			c.lastSeen = time.Now()
			l.mu.Unlock()
		}
		return c.limiter
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, ok := l.clients[key]; ok {
		c.lastSeen = time.Now()
		return c.limiter
	}
	limiter := rate.NewLimiter(lim.rate, lim.burst)
	l.clients[key] = &client{limiter: limiter, lastSeen: time.Now()}
	return limiter
}

func (l *Limiter) evictIdle(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > staleAfter {
			delete(l.clients, key)
			n++
		}
	}
	return n
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.evictIdle(now)
		case <-l.stopCh:
			return
		}
	}
}

// Entry describes one tracked client bucket.
type Entry struct {
	ClientIP   string    `json:"client_ip"`
	PathPrefix string    `json:"path_prefix,omitempty"`
	Tokens     float64   `json:"tokens"`
	LastSeen   time.Time `json:"last_seen"`
}

// Snapshot returns every tracked bucket, ordered by client IP then prefix.
func (l *Limiter) Snapshot() []Entry {
	l.mu.RLock()
	entries := make([]Entry, 0, len(l.clients))
	for key, c := range l.clients {
		entries = append(entries, Entry{
			ClientIP:   key.ip,
			PathPrefix: key.prefix,
			Tokens:     c.limiter.Tokens(),
			LastSeen:   c.lastSeen,
		})
	}
	l.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		if c := strings.Compare(a.ClientIP, b.ClientIP); c != 0 {
			return c
		}
		return strings.Compare(a.PathPrefix, b.PathPrefix)
	})
	return entries
}
