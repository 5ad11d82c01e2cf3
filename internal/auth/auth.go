// Package auth verifies bearer JWTs in front of the player-facing API. The
// game backend mints HS256 tokens for signed-in players; promptcraft only
// checks them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/promptcraft/internal/apierror"
	"github.com/dskow/promptcraft/internal/config"
	"github.com/dskow/promptcraft/internal/metrics"
	"github.com/dskow/promptcraft/internal/routing"
)

type contextKey string

// ClaimsKey is the context key used to store validated claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims are the validated token claims placed in the request context.
type Claims struct {
	Subject  string
	Issuer   string
	Audience string
	Scopes   []string
}

// tokenClaims is the wire shape of a player token. Scopes are a single
// space-separated string, as in OAuth2.
type tokenClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// FromContext returns the claims stored by Middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

// Middleware validates bearer tokens on paths under cfg.ProtectedPrefixes.
// Other paths, and every path when auth is disabled, pass through.
func Middleware(cfg config.AuthConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	keyFunc := func(*jwt.Token) (any, error) { return []byte(cfg.JWTSecret), nil }
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !routing.MatchesAny(r.URL.Path, cfg.ProtectedPrefixes) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := validateToken(parser, keyFunc, tokenStr, cfg.Scopes)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				var se *ScopeError
				if errors.As(err, &se) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func validateToken(parser *jwt.Parser, keyFunc jwt.Keyfunc, tokenStr string, required []string) (*Claims, error) {
	var tc tokenClaims
	if _, err := parser.ParseWithClaims(tokenStr, &tc, keyFunc); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Issuer:  tc.Issuer,
		Scopes:  strings.Fields(tc.Scope),
	}
	if len(tc.Audience) > 0 {
		claims.Audience = tc.Audience[0]
	}

	if len(required) > 0 {
		have := make(map[string]bool, len(claims.Scopes))
		for _, s := range claims.Scopes {
			have[s] = true
		}
		for _, s := range required {
			if !have[s] {
				return nil, &ScopeError{MissingScope: s}
			}
		}
	}
	return claims, nil
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}
