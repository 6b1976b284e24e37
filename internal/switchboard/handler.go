// internal/switchboard/handler.go
package switchboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"switchboard/internal/connector"
	"switchboard/pkg/config"
	"switchboard/pkg/connectors"
	"switchboard/pkg/middleware"
	"switchboard/pkg/openapi"
	"switchboard/pkg/problems"
)

const (
	serviceName = "switchboard"
	apiVersion  = "v1"
	maxBody     = 1 << 20
)

var errNotObject = errors.New("body must be a JSON object")

// DynamicRouter mounts the public endpoints and every route of the registry.
// A registry reload takes effect on the next request.
func DynamicRouter(r chi.Router, cfg config.Config, reg *connectors.Registry, sb *connector.Switchboard, log *zap.SugaredLogger, rdb *redis.Client) {
	// Public endpoints (no auth)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("pong")) })
	// CORS preflight and public OpenAPI
	r.Options("/.well-known/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/.well-known/openapi.json", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		docs(reg).ServeHandler(serviceName, apiVersion, cfg.DefaultBasePublicURL).ServeHTTP(w, req)
	})
	// Protected group
	r.Group(func(pr chi.Router) {
		pr.Use(middleware.JWTAuth(cfg, rdb))
		pr.Mount("/", dynamicOperationsRouter(cfg, reg, sb, log))
	})
}

// docs lists the inbound route of every loaded connector.
func docs(reg *connectors.Registry) *openapi.Registry {
	d := openapi.NewRegistry()
	for _, e := range reg.Entries() {
		if e.Def.Route == "" {
			continue
		}
		summary := e.Def.Summary
		if summary == "" {
			summary = fmt.Sprintf("Forward to %s %s", e.Connector.DetermineMethod(), e.Connector.DetermineOutgoingURI())
		}
		d.Register(openapi.Operation{
			Method:      e.Def.InboundMethod,
			Path:        e.Def.Route,
			OperationID: e.Def.Name,
			Summary:     summary,
			Tags:        []string{e.Def.Kind},
			Scopes:      e.Def.Scopes,
			RequestBody: openapi.ObjectBody(),
			Responses:   openapi.ConnectResponses(),
		})
	}
	return d
}

// dynamicOperationsRouter serves the registry routes. The chi router is rebuilt
// only when the registry generation changes; a router that fails to build
// leaves the previous one in service.
func dynamicOperationsRouter(cfg config.Config, reg *connectors.Registry, sb *connector.Switchboard, log *zap.SugaredLogger) http.Handler {
	var (
		mu      sync.Mutex
		builtAt uint64
		current http.Handler
	)
	routerFor := func() http.Handler {
		mu.Lock()
		defer mu.Unlock()
		gen, entries := reg.Snapshot()
		if current != nil && gen == builtAt {
			return current
		}
		builtAt = gen
		h, err := buildRouter(cfg, entries, sb, log)
		if err != nil {
			log.Errorw("connector routes not rebuilt", "generation", gen, "err", err)
			if current == nil {
				current, _ = buildRouter(cfg, nil, sb, log)
			}
			return current
		}
		current = h
		return current
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		routerFor().ServeHTTP(w, req)
	})
}

func buildRouter(cfg config.Config, entries []connectors.Entry, sb *connector.Switchboard, log *zap.SugaredLogger) (h http.Handler, err error) {
	name := ""
	defer func() {
		if rec := recover(); rec != nil {
			h, err = nil, fmt.Errorf("%s: invalid route: %v", name, rec)
		}
	}()
	router := chi.NewRouter()
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problems.Write(w, problems.New(http.StatusNotFound, "not_found", "no connector serves "+r.Method+" "+r.URL.Path))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problems.Write(w, problems.New(http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" not served on "+r.URL.Path))
	})
	for _, e := range entries {
		if e.Def.Route == "" {
			continue
		}
		name = e.Def.Name
		handler := middleware.RequireAnyScope(e.Def.Scopes, cfg.Env == "dev")(connectHandler(e, sb, log))
		router.Method(e.Def.InboundMethod, e.Def.Route, handler)
	}
	return router, nil
}

// connectHandler decodes the incoming body, merges URL params into it and runs
// one Connect. Success answers 204.
func connectHandler(e connectors.Entry, sb *connector.Switchboard, log *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		incoming, err := decodeIncoming(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			problems.Write(w, problems.New(http.StatusBadRequest, "invalid_body", err.Error()))
			return
		}
		if incoming != nil {
			if rctx := chi.RouteContext(ctx); rctx != nil {
				for i, k := range rctx.URLParams.Keys {
					if k == "*" {
						continue
					}
					incoming[k] = rctx.URLParams.Values[i]
				}
			}
		}
		if err := sb.Connect(ctx, e.Connector, incoming); err != nil {
			log.Infow("connector route failed", "connector", e.Def.Name, "route", e.Def.Route, "actor", middleware.ActorSub(ctx), "request_id", middleware.RequestIDFrom(ctx), "err", err)
			writeConnectError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeIncoming returns nil for an empty body or a JSON null.
func decodeIncoming(body io.Reader) (connector.Payload, error) {
	if body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON: trailing data")
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	}
	return nil, errNotObject
}

func writeConnectError(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := connector.AsError(err)
	if !ok {
		problems.Write(w, problems.New(http.StatusInternalServerError, "internal", err.Error()))
		return
	}
	detail := ce.Message
	// Downstream bodies and transport errors stay in the logs.
	if ce.Cause != nil && ce.Kind != connector.KindRemoteCallFailed {
		detail += ": " + ce.Cause.Error()
	}
	p := problems.New(ce.HTTPStatus(), string(ce.Kind), detail)
	p.Instance = r.URL.Path
	p.Extra = map[string]any{"kind": string(ce.Kind)}
	if ce.StatusCode != 0 {
		p.Extra["status_code"] = ce.StatusCode
	}
	if ce.Timeout {
		p.Extra["timeout"] = true
	}
	problems.Write(w, p)
}
