package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

type ownerKey struct{}

// TokenVerifier checks HS256 bearer tokens. The owner is the token's userId
// claim, or its subject when userId is absent.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

type ownerClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func (v *TokenVerifier) Verify(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var claims ownerClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	owner := claims.UserID
	if owner == "" {
		owner = claims.Subject
	}
	if owner == "" {
		return "", fmt.Errorf("%w: token has no owner", ErrUnauthorized)
	}
	return owner, nil
}

// Sign issues a token for ownerID. Used by tests and local tooling.
func (v *TokenVerifier) Sign(ownerID string) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, ownerClaims{UserID: ownerID}).SignedString(v.secret)
}

// Middleware rejects requests without a valid token. Browsers' EventSource
// cannot set headers, so ?token= is accepted as well.
func (v *TokenVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := v.Verify(tokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func tokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// OwnerFrom returns the authenticated owner of the request.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}
