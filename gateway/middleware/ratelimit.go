package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit caps request throughput for one scope group. The budget is per
// minute because lending flows are human-paced; Burst absorbs a dashboard
// load's worth of parallel calls.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

// Idle buckets have fully refilled after this long, so dropping them loses
// nothing.
const bucketIdleTTL = 10 * time.Minute

// clientBucket is one caller's token bucket within a scope group.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles gateway traffic per scope group (investor, borrower,
// admin) and per calling client within the group, so a noisy borrower cannot
// starve investor endpoints sharing the same proxy.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit

	mu      sync.Mutex
	buckets map[string]*clientBucket
	now     func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:  logger,
		limits:  limits,
		buckets: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Middleware enforces the limit configured for the named scope group. Groups
// without a configured limit pass through untouched.
func (r *RateLimiter) Middleware(group string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[group]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			if !r.bucketFor(group+"|"+clientID(req), limit).Allow() {
				r.logger.Warn("request throttled", "group", group)
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) bucketFor(key string, cfg RateLimit) *rate.Limiter {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.buckets[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	r.evictIdle(now)

	perSecond := cfg.RequestsPerMinute / 60
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	entry := &clientBucket{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		lastSeen: now,
	}
	r.buckets[key] = entry
	return entry.limiter
}

// evictIdle runs under the lock whenever a new client shows up.
func (r *RateLimiter) evictIdle(now time.Time) {
	for key, entry := range r.buckets {
		if now.Sub(entry.lastSeen) > bucketIdleTTL {
			delete(r.buckets, key)
		}
	}
}

// clientID prefers the client address headers the reverse proxy sets, then
// falls back to the socket peer.
func clientID(req *http.Request) string {
	if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.Index(forwarded, ","); comma >= 0 {
			first = forwarded[:comma]
		}
		first = strings.TrimSpace(first)
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
