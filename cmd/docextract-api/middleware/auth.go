// Package middleware provides HTTP middleware for the extraction API.
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// OwnerKey is the context key for the caller's owner ID.
const OwnerKey contextKey = "owner_id"

// OwnerHeader carries the caller identity when auth is disabled.
const OwnerHeader = "X-User-ID"

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled      bool
	DefaultOwner string
}

// Auth resolves the caller identity. With auth disabled the owner comes from
// the X-User-ID header, falling back to DefaultOwner. With auth enabled a
// bearer token is required and the header must also be present; token
// verification belongs to the gateway in front of this service.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	def := cfg.DefaultOwner
	if def == "" {
		def = "dev"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))

			if !cfg.Enabled {
				if owner == "" {
					owner = def
				}
				next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				http.Error(w, `{"error": "missing or invalid authorization header"}`, http.StatusUnauthorized)
				return
			}
			if owner == "" {
				http.Error(w, `{"error": "missing caller identity"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

// WithOwner stores the owner ID on ctx.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, OwnerKey, owner)
}

// OwnerFromContext extracts the owner ID from context.
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(OwnerKey).(string); ok {
		return v
	}
	return ""
}

// CORS returns CORS middleware for browser clients.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, "+OwnerHeader)
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
