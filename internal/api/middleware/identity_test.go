package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-signing-key"

func signToken(t *testing.T, method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func echoClaimant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ClaimantID(r.Context())))
	})
}

func TestIdentity_Bearer(t *testing.T) {
	id := NewIdentity(testKey, "slot-claims")
	handler := id.Middleware(echoClaimant())

	valid := signToken(t, jwt.SigningMethodHS256, []byte(testKey), jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "slot-claims",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := signToken(t, jwt.SigningMethodHS256, []byte(testKey), jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "slot-claims",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	wrongKey := signToken(t, jwt.SigningMethodHS256, []byte("other"), jwt.RegisteredClaims{Subject: "alice", Issuer: "slot-claims"})
	wrongIssuer := signToken(t, jwt.SigningMethodHS256, []byte(testKey), jwt.RegisteredClaims{Subject: "alice", Issuer: "elsewhere"})
	noSubject := signToken(t, jwt.SigningMethodHS256, []byte(testKey), jwt.RegisteredClaims{Issuer: "slot-claims"})

	tests := []struct {
		name   string
		auth   string
		query  string
		status int
		body   string
	}{
		{"valid token", "Bearer " + valid, "", http.StatusOK, "alice"},
		{"token in query for websockets", "", "?access_token=" + valid, http.StatusOK, "alice"},
		{"anonymous", "", "", http.StatusOK, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, "", http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + wrongIssuer, "", http.StatusUnauthorized, ""},
		{"no subject", "Bearer " + noSubject, "", http.StatusUnauthorized, ""},
		{"basic auth", "Basic YWxpY2U6c2VjcmV0", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/claims"+tt.query, nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			// The header is ignored once tokens are required.
			r.Header.Set(ClaimantHeader, "mallory")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestIdentity_HeaderFallback(t *testing.T) {
	handler := NewIdentity("", "").Middleware(echoClaimant())

	r := httptest.NewRequest("GET", "/api/claims", nil)
	r.Header.Set(ClaimantHeader, " bob ")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", w.Body.String())
}

func TestRequireClaimant(t *testing.T) {
	handler := RequireClaimant(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r := httptest.NewRequest("GET", "/", nil)
	w = httptest.NewRecorder()
	handler(w, r.WithContext(WithClaimant(r.Context(), "alice")))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
