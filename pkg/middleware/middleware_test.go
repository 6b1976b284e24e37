package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"

	"switchboard/pkg/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	h.ServeHTTP(rec, req)
	if seen != "abc" || rec.Header().Get(HeaderRequestID) != "abc" {
		t.Errorf("seen=%q header=%q", seen, rec.Header().Get(HeaderRequestID))
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, strings.Repeat("x", 200))
	h.ServeHTTP(rec, req)
	if len(seen) != 36 {
		t.Errorf("oversized id not replaced: %q", seen)
	}
	if RequestIDFrom(context.Background()) != "" {
		t.Error("expected empty id")
	}
}

func TestRecover(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := Recover(zap.New(core).Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/problem+json" {
		t.Errorf("content type = %s", rec.Header().Get("Content-Type"))
	}
	if logs.FilterMessage("panic").Len() != 1 {
		t.Errorf("panic not logged: %v", logs.All())
	}
}

func TestHasAnyScope(t *testing.T) {
	ctx := WithScopes(context.Background(), []string{"people:read", "people:write"})
	tests := []struct {
		name     string
		ctx      context.Context
		required []string
		want     bool
	}{
		{"no requirement", context.Background(), nil, true},
		{"match", ctx, []string{"people:write"}, true},
		{"any of", ctx, []string{"admin", "people:read"}, true},
		{"miss", ctx, []string{"admin"}, false},
		{"no scopes", context.Background(), []string{"admin"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasAnyScope(tt.ctx, tt.required); got != tt.want {
				t.Errorf("got %v", got)
			}
		})
	}
}

func TestRequireAnyScope(t *testing.T) {
	rec := httptest.NewRecorder()
	RequireAnyScope([]string{"admin"}, false)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	RequireAnyScope([]string{"admin"}, true)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("anonymous status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(WithScopes(req.Context(), []string{"admin"}))
	RequireAnyScope([]string{"admin"}, false)(okHandler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("scoped status = %d", rec.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.Config
		path   string
		authz  string
		status int
	}{
		{"public path", config.Config{Env: "prod"}, "/healthz", "", http.StatusOK},
		{"well-known", config.Config{Env: "prod"}, "/.well-known/openapi.json", "", http.StatusOK},
		{"dev bypass", config.Config{Env: "dev"}, "/api/people", "", http.StatusOK},
		{"not configured", config.Config{Env: "prod"}, "/api/people", "", http.StatusInternalServerError},
		{"missing bearer", config.Config{Env: "prod", Issuer: "https://issuer", JWKSURL: "https://issuer/jwks"}, "/api/people", "Basic abc", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			JWTAuth(tt.cfg, nil)(okHandler).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status >= 400 && rec.Header().Get("Content-Type") != "application/problem+json" {
				t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
			}
			if tt.status == http.StatusUnauthorized && !strings.Contains(rec.Header().Get("WWW-Authenticate"), "missing_token") {
				t.Errorf("www-authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestActorSubWithoutToken(t *testing.T) {
	if ActorSub(context.Background()) != "" {
		t.Error("expected empty subject")
	}
}

func TestMatchHTU(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://api.local/api/people?x=1", nil)
	if err := matchHTU("https://api.local/api/people", req.URL); err != nil {
		t.Errorf("unexpected %v", err)
	}
	if err := matchHTU("https://api.local/other", req.URL); err == nil {
		t.Error("expected mismatch")
	}
}
