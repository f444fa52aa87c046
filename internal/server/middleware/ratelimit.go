package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterIdleTTL       = 30 * time.Minute
)

// limiterSet hands out one token bucket per key and forgets buckets that sat
// idle for limiterIdleTTL.
type limiterSet struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(ctx context.Context, requestsPerSecond float64, burst int) *limiterSet {
	s := &limiterSet{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go s.sweep(ctx)
	return s
}

func (s *limiterSet) allow(key string) bool {
	now := time.Now()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.buckets[key] = b
	}
	b.lastSeen = now
	s.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (s *limiterSet) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			for key, b := range s.buckets {
				if now.Sub(b.lastSeen) > limiterIdleTTL {
					delete(s.buckets, key)
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

func tooManyRequests(w http.ResponseWriter) {
	http.Error(w, `{"title":"Too Many Requests","status":429,"detail":"rate limit exceeded"}`, http.StatusTooManyRequests)
}

// RateLimitByIP limits every client address, anonymous viewers included.
func RateLimitByIP(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limits := newLimiterSet(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limits.allow(clientIP(r)) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits authenticated viewers by user id. Anonymous requests pass
// through and are left to RateLimitByIP.
func RateLimit(ctx context.Context, requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	limits := newLimiterSet(ctx, requestsPerSecond, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewer := ViewerFromContext(r.Context())
			if viewer.Authenticated && !limits.allow(viewer.UserID) {
				tooManyRequests(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the host part of r.RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
