package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

type claimantKey struct{}

// ClaimantHeader carries the claimant ID when token verification is off.
const ClaimantHeader = "X-Claimant-ID"

var errNoSubject = errors.New("token has no subject")

// Identity resolves the calling claimant. With a signing key, a bearer
// HS256 token is required to carry an identity and its subject is the
// claimant ID. Without one, the X-Claimant-ID header is trusted.
// Requests without any identity pass through anonymously.
type Identity struct {
	signingKey []byte
	issuer     string
}

// NewIdentity creates the identity middleware.
func NewIdentity(signingKey, issuer string) *Identity {
	return &Identity{signingKey: []byte(signingKey), issuer: issuer}
}

// Middleware attaches the claimant ID to the request context.
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claimant, err := i.resolve(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized, "Invalid credentials")
			return
		}
		if claimant != "" {
			r = r.WithContext(WithClaimant(r.Context(), claimant))
		}
		next.ServeHTTP(w, r)
	})
}

func (i *Identity) resolve(r *http.Request) (string, error) {
	if len(i.signingKey) == 0 {
		return strings.TrimSpace(r.Header.Get(ClaimantHeader)), nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		// Browsers cannot set headers on websocket upgrades.
		if t := r.URL.Query().Get("access_token"); t != "" {
			return i.Verify(t)
		}
		return "", nil
	}
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return i.Verify(strings.TrimSpace(token))
}

// Verify checks a token and returns its subject.
func (i *Identity) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.signingKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if i.issuer != "" && !claims.VerifyIssuer(i.issuer, true) {
		return "", fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}

// WithClaimant returns a context carrying a claimant ID.
func WithClaimant(ctx context.Context, claimantID string) context.Context {
	return context.WithValue(ctx, claimantKey{}, claimantID)
}

// ClaimantID returns the claimant of the request, or "".
func ClaimantID(ctx context.Context) string {
	id, _ := ctx.Value(claimantKey{}).(string)
	return id
}

// RequireClaimant rejects anonymous requests.
func RequireClaimant(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ClaimantID(r.Context()) == "" {
			WriteError(w, http.StatusUnauthorized, ErrUnauthorized, "A claimant identity is required")
			return
		}
		next(w, r)
	}
}
