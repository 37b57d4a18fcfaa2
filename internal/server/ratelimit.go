package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dativo-io/redact/internal/requestctx"
)

// RateLimiter enforces per-caller and global request rate limits with
// token buckets.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	callers   map[string]*rate.Limiter
	perCaller rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter. globalRPM is the total requests per
// minute across all callers; perCallerRPM applies to each caller.
func NewRateLimiter(globalRPM, perCallerRPM int) *RateLimiter {
	globalBurst := globalRPM
	if globalBurst < 1 {
		globalBurst = 1
	}
	callerBurst := perCallerRPM
	if callerBurst < 1 {
		callerBurst = 1
	}
	return &RateLimiter{
		global:    rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalBurst),
		callers:   make(map[string]*rate.Limiter),
		perCaller: rate.Limit(float64(perCallerRPM) / 60.0),
		burst:     callerBurst,
	}
}

// Allow reports whether a request from caller may proceed. The caller's
// bucket is consulted before the global one.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	limiter, ok := rl.callers[caller]
	if !ok {
		limiter = rate.NewLimiter(rl.perCaller, rl.burst)
		rl.callers[caller] = limiter
	}
	rl.mu.Unlock()
	if !limiter.Allow() {
		return false
	}
	return rl.global.Allow()
}

// RateLimitMiddleware rejects requests over the limit with 429 and a
// Retry-After header. A nil limiter disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	if rl == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(requestctx.Caller(r.Context())) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

