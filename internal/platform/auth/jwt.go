// Package auth authenticates the caller of a request. It only establishes
// who is calling; what the caller may do is decided by the ledger against
// its persisted owner and reporter sets.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/consumption-ledger/internal/platform/api"
	"github.com/example/consumption-ledger/internal/platform/httpserver"
)

type ctxKeyCaller struct{}

// CallerFromContext returns the authenticated caller identity.
func CallerFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyCaller{}).(string)
	return v, ok && v != ""
}

// WithCaller injects a caller identity into context. Useful for testing.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, ctxKeyCaller{}, caller)
}

type Claims struct {
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	Secret   []byte
	Issuer   string
	Audience string
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Issue signs a token for subject. Used by tooling and tests; production
// tokens come from the platform's identity provider.
func (v JWTVerifier) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if v.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.Secret)
}

// RequireCaller validates the Bearer token and injects the caller identity
// (the token subject) into the request context.
func RequireCaller(verifier JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rid := httpserver.RequestIDFromContext(r.Context())
			authz := strings.TrimSpace(r.Header.Get("Authorization"))
			if authz == "" {
				api.Unauthorized(w, "UNAUTHENTICATED", "Missing bearer token", rid)
				return
			}
			parts := strings.SplitN(authz, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				api.Unauthorized(w, "UNAUTHENTICATED", "Unsupported authorization scheme", rid)
				return
			}
			claims, err := verifier.Parse(strings.TrimSpace(parts[1]))
			if err != nil || strings.TrimSpace(claims.Subject) == "" {
				api.Unauthorized(w, "UNAUTHENTICATED", "Invalid token", rid)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), strings.TrimSpace(claims.Subject))))
		})
	}
}
