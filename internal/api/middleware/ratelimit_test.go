package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClaimRateLimiter_PerClaimant(t *testing.T) {
	now := time.Date(2026, 4, 2, 7, 0, 0, 0, time.UTC)
	l := NewClaimRateLimiter(1, 2)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"), "burst exhausted")
	assert.True(t, l.Allow("bob"), "claimants have separate buckets")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("alice"), "one token refilled")
}

func TestClaimRateLimiter_Disabled(t *testing.T) {
	l := NewClaimRateLimiter(0, 1)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("alice"))
	}

	var nilLimiter *ClaimRateLimiter
	assert.True(t, nilLimiter.Allow("alice"))
}

func TestClaimRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 4, 2, 7, 0, 0, 0, time.UTC)
	l := NewClaimRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	l.Allow("alice")
	now = now.Add(5 * time.Minute)
	l.Allow("bob")

	assert.Equal(t, 1, l.Sweep(time.Minute))
	assert.Equal(t, 0, l.Sweep(time.Minute))
}

func TestClaimRateLimiter_Limit(t *testing.T) {
	l := NewClaimRateLimiter(0.5, 1)
	handler := l.Limit(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	call := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/api/resources/r1/claims", nil)
		w := httptest.NewRecorder()
		handler(w, r.WithContext(WithClaimant(r.Context(), "alice")))
		return w
	}

	assert.Equal(t, http.StatusCreated, call().Code)
	w := call()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
}
