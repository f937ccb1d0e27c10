package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClaimRateLimiter throttles claim attempts per claimant.
type ClaimRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClaimRateLimiter allows perSecond claims per claimant with the given
// burst. A non-positive rate disables limiting.
func NewClaimRateLimiter(perSecond float64, burst int) *ClaimRateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClaimRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow reports whether the claimant may attempt another claim now.
func (l *ClaimRateLimiter) Allow(claimantID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[claimantID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[claimantID] = e
	}
	now := l.now()
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Sweep forgets claimants idle for longer than idle.
func (l *ClaimRateLimiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}

// Limit wraps a handler that requires a claimant.
func (l *ClaimRateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClaimantID(r.Context())) {
			if l.limit > 0 {
				retry := time.Duration(float64(time.Second) / float64(l.limit))
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			}
			WriteError(w, http.StatusTooManyRequests, ErrRateLimited, "Too many claim attempts, slow down")
			return
		}
		next(w, r)
	}
}
