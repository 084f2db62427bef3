package devserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/syncx"
)

// RateLimit describes a per-subject token bucket. A zero MaxRequests
// disables limiting.
type RateLimit struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
	Burst         int `json:"burst"`
}

// tokenBucket implements a token bucket rate limiter
type tokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// allow refills the bucket for the time elapsed since the last call and
// consumes a token if one is available. When it is not, wait is the time
// until the next token.
func (tb *tokenBucket) allow(now time.Time) (ok bool, remaining int, wait time.Duration) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), 0
	}
	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	return false, 0, time.Duration(secondsUntilNext * float64(time.Second))
}

// rateLimiter manages per-subject token buckets
type rateLimiter struct {
	cfg     RateLimit
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func newRateLimiter(cfg RateLimit, now func() time.Time) *rateLimiter {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.MaxRequests
	}
	return &rateLimiter{cfg: cfg, now: now, buckets: make(map[string]*tokenBucket)}
}

func (rl *rateLimiter) allow(sub string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[sub]
	if !ok {
		b = &tokenBucket{
			tokens:     float64(rl.cfg.Burst),
			capacity:   float64(rl.cfg.Burst),
			refillRate: float64(rl.cfg.MaxRequests) / float64(rl.cfg.WindowSeconds),
			lastRefill: now,
		}
		rl.buckets[sub] = b
	}
	// Idle buckets are full again; drop them
	for s, other := range rl.buckets {
		if s != sub && now.Sub(other.lastRefill) > time.Hour {
			delete(rl.buckets, s)
		}
	}
	return b.allow(now)
}

// rateLimitMiddleware enforces cfg per authenticated subject
func rateLimitMiddleware(cfg RateLimit, now func() time.Time) func(http.Handler) http.Handler {
	if cfg.MaxRequests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newRateLimiter(cfg, now)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub := auth.Subject(r.Context())
			if sub == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, wait := limiter.allow(sub)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Burst", strconv.Itoa(limiter.cfg.Burst))

			if !allowed {
				retryAfter := int(wait.Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("sub", sub).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("Rate limit exceeded")

				writeError(w, r, http.StatusTooManyRequests, syncx.ErrorResponse{
					Error:   syncx.CodeRateLimited,
					Message: "Rate limit exceeded. Please retry after " + strconv.Itoa(retryAfter) + " seconds.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
