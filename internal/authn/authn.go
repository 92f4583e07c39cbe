// Package authn is a deliberately thin bearer-token gate standing in for
// the excluded multi-tenant identity model (spec.md Non-goals). It exists
// only to exercise §7's 401/403 transport mapping on the HTTP surface.
package authn

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const scopeKey contextKey = "authn_scope"

// Scope is the caller's authorization level.
type Scope int

const (
	// ScopeNone means no valid bearer token was presented.
	ScopeNone Scope = iota
	// ScopeStandard is any caller holding the configured API token.
	ScopeStandard
	// ScopeAdmin is a caller holding the configured admin token, required
	// for the `/alerts/evaluate` route when PREFLIGHT_ALERTS_ALLOW_EVALUATE
	// is set.
	ScopeAdmin
)

// FromContext returns the caller's resolved scope.
func FromContext(ctx context.Context) Scope {
	if v, ok := ctx.Value(scopeKey).(Scope); ok {
		return v
	}
	return ScopeNone
}

// Middleware returns a chi-compatible middleware that resolves a bearer
// token against apiToken/adminToken and rejects with 401 when neither
// matches. An empty apiToken disables the check entirely (useful for local
// development), matching DIAGNOSTICS_METRICS_AUTH_DISABLED's spirit for the
// rest of the API surface.
func Middleware(apiToken, adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiToken == "" {
				ctx := context.WithValue(r.Context(), scopeKey, ScopeAdmin)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}

			scope := ScopeNone
			switch {
			case adminToken != "" && constantTimeEqual(token, adminToken):
				scope = ScopeAdmin
			case constantTimeEqual(token, apiToken):
				scope = ScopeStandard
			default:
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), scopeKey, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns a middleware rejecting non-admin callers with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) != ScopeAdmin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"access_error","message":"admin scope required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"a valid bearer token is required"}`))
}
