package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"switchboard/internal/connector"
	"switchboard/internal/mapping"
)

// KindMapping is the builtin declarative connector kind.
const KindMapping = "mapping"

// File is the layout of a routes file.
type File struct {
	Connectors []mapping.Definition `yaml:"connectors"`
}

// Factory builds a connector implementation for a definition of its kind.
type Factory func(ctx context.Context, def mapping.Definition) (connector.Connector, error)

// Entry is a loaded definition with its connector.
type Entry struct {
	Def       mapping.Definition
	Connector connector.Connector
}

// Registry holds connector factories and the connectors built from the routes file.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
	byName    map[string]Entry
	gen       uint64
}

// InboundMethods lists the methods a route may be served on.
var InboundMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch}

func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}, byName: map[string]Entry{}}
	r.RegisterFactory(KindMapping, func(ctx context.Context, def mapping.Definition) (connector.Connector, error) {
		return mapping.New(ctx, def)
	})
	return r
}

func (r *Registry) RegisterFactory(kind string, f Factory) { r.factories[kind] = f }

// Parse decodes a routes file. Unknown keys are rejected.
func Parse(data []byte) ([]mapping.Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	return f.Connectors, nil
}

// LoadFile parses path and replaces the registry contents.
func (r *Registry) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	defs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return r.Load(ctx, defs)
}

// Load instantiates every definition and replaces the registry contents. On
// error the previous contents are kept.
func (r *Registry) Load(ctx context.Context, defs []mapping.Definition) error {
	next := make(map[string]Entry, len(defs))
	routes := map[string]string{}
	for _, def := range defs {
		def = normalize(def)
		if def.Name == "" {
			return errors.New("connector without name")
		}
		if _, dup := next[def.Name]; dup {
			return fmt.Errorf("duplicate connector %s", def.Name)
		}
		if def.Route != "" {
			if !slices.Contains(InboundMethods, def.InboundMethod) {
				return fmt.Errorf("%s: inbound method %s not supported", def.Name, def.InboundMethod)
			}
			key := def.InboundMethod + " " + def.Route
			if other, dup := routes[key]; dup {
				return fmt.Errorf("%s: route %s already served by %s", def.Name, key, other)
			}
			routes[key] = def.Name
		}
		f, ok := r.factories[def.Kind]
		if !ok {
			return fmt.Errorf("%s: no factory for kind %s", def.Name, def.Kind)
		}
		c, err := f(ctx, def)
		if err != nil {
			return fmt.Errorf("%s: %w", def.Name, err)
		}
		next[def.Name] = Entry{Def: def, Connector: c}
	}
	if err := CheckRoutes(sorted(next)); err != nil {
		return err
	}
	r.mu.Lock()
	r.byName = next
	r.gen++
	r.mu.Unlock()
	return nil
}

// CheckRoutes mounts every routed entry on a scratch router so malformed
// patterns fail here instead of at serve time.
func CheckRoutes(entries []Entry) (err error) {
	name := ""
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: invalid route: %v", name, rec)
		}
	}()
	mux := chi.NewRouter()
	for _, e := range entries {
		if e.Def.Route == "" {
			continue
		}
		name = e.Def.Name
		mux.Method(e.Def.InboundMethod, e.Def.Route, http.NotFoundHandler())
	}
	return nil
}

func normalize(def mapping.Definition) mapping.Definition {
	def.Name = strings.TrimSpace(def.Name)
	if def.Kind == "" {
		def.Kind = KindMapping
	}
	if def.InboundMethod == "" {
		def.InboundMethod = http.MethodPost
	}
	def.InboundMethod = strings.ToUpper(def.InboundMethod)
	if def.Route != "" && !strings.HasPrefix(def.Route, "/") {
		def.Route = "/" + def.Route
	}
	return def
}

func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// Entries returns all loaded entries sorted by name.
func (r *Registry) Entries() []Entry {
	_, out := r.Snapshot()
	return out
}

// Snapshot returns the load generation together with its entries. The
// generation grows with every successful Load.
func (r *Registry) Snapshot() (uint64, []Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen, sorted(r.byName)
}

func sorted(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Def.Name < out[j].Def.Name })
	return out
}
