// Package ratelimit implements per-client request rate limiting for the
// HTTP API.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gaissmai/bart"
	"golang.org/x/time/rate"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
)

// Limiter implements per-IP rate limiting with automatic cleanup of stale entries.
type Limiter struct {
	mu              sync.Mutex
	clients         map[string]*clientEntry
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	staleAfter      time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	trusted         *bart.Table[bool]
	metrics         *metrics.Collector
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config mirrors the rate_limit configuration section.
type Config struct {
	RequestsPerInterval int
	Interval            time.Duration
	CleanupInterval     time.Duration
	StaleAfter          time.Duration
	TrustedProxies      []string
}

// New creates a per-IP rate limiter and starts its cleanup goroutine.
func New(cfg Config, m *metrics.Collector) (*Limiter, error) {
	if cfg.RequestsPerInterval <= 0 {
		return nil, errors.New("ratelimit: requests_per_interval must be positive")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("ratelimit: interval must be positive")
	}
	if cfg.CleanupInterval <= 0 {
		return nil, errors.New("ratelimit: cleanup_interval must be positive")
	}
	if cfg.StaleAfter <= 0 {
		return nil, errors.New("ratelimit: stale_after must be positive")
	}

	l := &Limiter{
		clients:         make(map[string]*clientEntry),
		rate:            rate.Limit(float64(cfg.RequestsPerInterval) / cfg.Interval.Seconds()),
		burst:           cfg.RequestsPerInterval,
		cleanupInterval: cfg.CleanupInterval,
		staleAfter:      cfg.StaleAfter,
		done:            make(chan struct{}),
		trusted:         new(bart.Table[bool]),
		metrics:         m,
	}
	if err := l.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	go l.cleanupLoop()
	return l, nil
}

// SetTrustedProxies replaces the proxies whose X-Forwarded-For and
// X-Real-IP headers are honoured. Entries may be CIDR prefixes or bare
// addresses.
func (l *Limiter) SetTrustedProxies(proxies []string) error {
	table := new(bart.Table[bool])
	for _, p := range proxies {
		prefix, err := ParsePrefix(p)
		if err != nil {
			return fmt.Errorf("ratelimit: trusted proxy: %w", err)
		}
		table.Insert(prefix, true)
	}

	l.mu.Lock()
	l.trusted = table
	l.mu.Unlock()
	return nil
}

// ParsePrefix parses a CIDR prefix or a bare IP address. Bare addresses
// become /32 (IPv4) or /128 (IPv6) host prefixes.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, errors.New("empty prefix")
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q: %w", s, err)
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

func (l *Limiter) getClient(ip string) *clientEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.clients[ip]
	if !exists {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry
}

// Allow checks if a request from the given IP is allowed.
func (l *Limiter) Allow(ip string) bool {
	return l.getClient(ip).limiter.Allow()
}

// RetryAfter returns the number of seconds until the next request from
// this IP would be allowed.
func (l *Limiter) RetryAfter(ip string) int {
	limiter := l.getClient(ip).limiter
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return int(math.Ceil(delay.Seconds()))
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.staleAfter {
			delete(l.clients, ip)
		}
	}
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *Limiter) isTrusted(remoteIP string) bool {
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	l.mu.Lock()
	trusted := l.trusted
	l.mu.Unlock()
	_, ok := trusted.Lookup(addr.Unmap())
	return ok
}

// ExtractClientIP returns the client address of r. X-Forwarded-For and
// X-Real-IP are only honoured when the peer is a trusted proxy.
func (l *Limiter) ExtractClientIP(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if !l.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Leftmost entry is the original client.
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}
	return remoteIP
}

// Middleware rejects requests over the limit with 429, a Retry-After
// header and a JSON error body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := l.ExtractClientIP(r)
		if !l.Allow(clientIP) {
			retryAfter := l.RetryAfter(clientIP)
			l.metrics.IncRateLimitRejections()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			model.WriteError(w, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded, try again in %d seconds", retryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}
