// pkg/middleware/scope.go
package middleware

import (
	"context"
	"net/http"

	"switchboard/pkg/problems"
)

// local context key type (unique to this file)
type scopeCtxKey string

const (
	ctxScopesKey scopeCtxKey = "scopes"
)

// WithScopes stores scopes slice in context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, ctxScopesKey, scopes)
}

// ScopesFrom extracts scopes slice from context.
func ScopesFrom(ctx context.Context) []string {
	if s, ok := ctx.Value(ctxScopesKey).([]string); ok {
		return s
	}
	return nil
}

// HasAnyScope returns true if context holds at least one of the required scopes.
func HasAnyScope(ctx context.Context, required []string) bool {
	if len(required) == 0 {
		return true
	}
	curr := ScopesFrom(ctx)
	if len(curr) == 0 {
		return false
	}
	set := map[string]struct{}{}
	for _, s := range curr {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

// RequireAnyScope rejects requests whose token carries none of required.
// Requests that bypassed authentication (dev mode) carry no scopes and are let
// through only when allowAnonymous is set.
func RequireAnyScope(required []string, allowAnonymous bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowAnonymous && tokenFromCtx(r.Context()) == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !HasAnyScope(r.Context(), required) {
				problems.Write(w, problems.New(http.StatusForbidden, "insufficient_scope", "token lacks the scope this route requires"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
