package openapi

import (
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Operation represents a single HTTP operation to surface in OpenAPI.
type Operation struct {
	Method      string         `json:"method"`
	Path        string         `json:"path"`
	OperationID string         `json:"operationId,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Scopes      []string       `json:"x-required-scopes,omitempty"`
	RequestBody any            `json:"requestBody,omitempty"`
	Responses   map[string]any `json:"responses"`
}

// Registry holds the operations served by the switchboard routes.
type Registry struct {
	mu  sync.RWMutex
	ops []Operation
}

func NewRegistry() *Registry { return &Registry{} }

func (r *Registry) Register(op Operation) {
	op.Method = strings.ToLower(op.Method)
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ops returns a copy of the registered operations.
func (r *Registry) Ops() []Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Operation(nil), r.ops...)
}

var pathParam = regexp.MustCompile(`\{([^}/]+)\}`)

// ConnectResponses is the response set shared by every connector route.
func ConnectResponses() map[string]any {
	problem := map[string]any{"content": map[string]any{"application/problem+json": map[string]any{}}}
	return map[string]any{
		"204": map[string]any{"description": "Forwarded"},
		"400": problem,
		"403": problem,
		"422": problem,
		"501": problem,
		"502": problem,
		"504": problem,
	}
}

// ObjectBody is a JSON object request body.
func ObjectBody() map[string]any {
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{"schema": map[string]any{"type": "object"}},
		},
	}
}

// Build produces a minimal OpenAPI 3.1 document representing the currently
// registered operations. Components/schemas are kept inline for brevity.
func (r *Registry) Build(serviceName, version, serverURL string) map[string]any {
	paths := map[string]any{}
	scopes := map[string]string{}
	for _, op := range r.Ops() {
		if _, ok := paths[op.Path]; !ok {
			paths[op.Path] = map[string]any{}
		}
		m := map[string]any{
			"summary":   op.Summary,
			"responses": op.Responses,
		}
		if op.OperationID != "" {
			m["operationId"] = op.OperationID
		}
		if op.Description != "" {
			m["description"] = op.Description
		}
		if len(op.Tags) > 0 {
			m["tags"] = op.Tags
		}
		if len(op.Scopes) > 0 {
			m["x-required-scopes"] = op.Scopes
			m["security"] = []map[string]any{{"oauth": op.Scopes}}
			for _, s := range op.Scopes {
				scopes[s] = "Required by " + op.Path
			}
		}
		if op.RequestBody != nil {
			m["requestBody"] = op.RequestBody
		}
		if params := parameters(op.Path); len(params) > 0 {
			m["parameters"] = params
		}
		paths[op.Path].(map[string]any)[op.Method] = m
	}
	doc := map[string]any{
		"openapi": "3.1.0",
		"info":    map[string]any{"title": serviceName, "version": version},
		"paths":   paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"oauth": map[string]any{
					"type": "oauth2",
					"flows": map[string]any{
						"clientCredentials": map[string]any{
							"tokenUrl": "/oauth/token",
							"scopes":   scopes,
						},
					},
				},
			},
		},
	}
	if serverURL != "" {
		doc["servers"] = []map[string]any{{"url": serverURL}}
	}
	return doc
}

func parameters(path string) []map[string]any {
	matches := pathParam.FindAllStringSubmatch(path, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	sort.Strings(names)
	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]any{
			"name":     n,
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		})
	}
	return out
}

// ServeHandler returns an HTTP handler that serves the built OpenAPI JSON.
func (r *Registry) ServeHandler(serviceName, version, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Build(serviceName, version, serverURL))
	}
}
