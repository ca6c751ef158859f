package auth

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Stale rate-limit buckets are dropped after this much idle time.
const (
	bucketTTL       = 3 * time.Minute
	cleanupInterval = time.Minute
)

// RateLimiter applies a per-actor token bucket at the HTTP boundary.
// Requests that reach it unauthenticated (public paths) are keyed by
// remote IP instead.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing rps requests per second with the
// given burst per key and starts the stale-bucket sweeper.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	l := &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go l.sweep()
	return l
}

func (l *RateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (l *RateLimiter) sweep() {
	for {
		time.Sleep(cleanupInterval)
		l.mu.Lock()
		for key, b := range l.buckets {
			if time.Since(b.lastSeen) > bucketTTL {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// Middleware rejects over-limit requests with 429, a Retry-After header,
// and retry_after_ms in the body.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := GetActor(r.Context())
		if err != nil {
			key = remoteIP(r)
		}

		res := l.bucket(key).Reserve()
		if !res.OK() {
			writeRateLimited(w, time.Second)
			return
		}
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			writeRateLimited(w, delay)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func writeRateLimited(w http.ResponseWriter, delay time.Duration) {
	retryMs := delay.Milliseconds()
	if retryMs < 1 {
		retryMs = 1
	}
	retrySec := (retryMs + 999) / 1000
	w.Header().Set("Retry-After", strconv.FormatInt(retrySec, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message":        "rate limit exceeded",
		"retry_after_ms": retryMs,
	})
}
