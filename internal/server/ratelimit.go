package server

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// bucketRule is a per-path-prefix token bucket shape. Buckets refill
// continuously at capacity/window.
type bucketRule struct {
	prefix        string
	capacity      int
	windowSeconds int
}

// Longest prefix listed first wins.
var bucketRules = []bucketRule{
	{prefix: "/api/hooks/", capacity: 60, windowSeconds: 60},
	{prefix: "/api/sessions", capacity: 30, windowSeconds: 60},
	{prefix: "/api/", capacity: 60, windowSeconds: 60},
	{prefix: "", capacity: 120, windowSeconds: 60},
}

// rateLimitExempt paths are never throttled.
var rateLimitExempt = []string{"/healthz", "/static/", "/ws"}

// maxBuckets bounds the limiter map. Hitting the cap resets the map;
// refilled buckets start full, so the burst cost of a reset is one
// window per key.
const maxBuckets = 10000

type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: map[string]*rate.Limiter{}}
}

func ruleFor(path string) bucketRule {
	for _, r := range bucketRules {
		if strings.HasPrefix(path, r.prefix) {
			return r
		}
	}
	return bucketRules[len(bucketRules)-1]
}

// allow reports whether a request from ip to path fits in its bucket,
// and the Retry-After window when it does not.
func (l *rateLimiter) allow(ip, path string) (bool, int) {
	rule := ruleFor(path)
	key := ip + "|" + rule.prefix

	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.buckets = map[string]*rate.Limiter{}
		}
		refill := rate.Limit(float64(rule.capacity) / float64(rule.windowSeconds))
		lim = rate.NewLimiter(refill, rule.capacity)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow(), rule.windowSeconds
}

// clientIP prefers the first X-Forwarded-For entry, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rateLimitExempt {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ok, window := s.limiter.allow(clientIP(r), r.URL.Path)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(window))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
