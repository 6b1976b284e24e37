package connector

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFlagType is returned by FlagAs when a flag holds a value of a different type.
var ErrFlagType = errors.New("flag type mismatch")

// Flags carries auxiliary state between the hooks of a single Connect call.
// A new Flags is created per call; it is not safe for concurrent use.
type Flags struct {
	values map[string]any
}

func NewFlags() *Flags { return &Flags{values: map[string]any{}} }

// Set stores value under key, replacing any previous value.
func (f *Flags) Set(key string, value any) *Flags {
	f.values[key] = value
	return f
}

func (f *Flags) Get(key string) (any, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *Flags) Has(key string) bool {
	_, ok := f.values[key]
	return ok
}

func (f *Flags) Len() int { return len(f.values) }

// Keys returns the flag names in no particular order.
func (f *Flags) Keys() []string {
	out := make([]string, 0, len(f.values))
	for k := range f.values {
		out = append(out, k)
	}
	return out
}

// Bool reports whether key is set to a truthy value: true, a non-empty string,
// a non-zero number or a non-empty collection.
func (f *Flags) Bool(key string) bool {
	v, ok := f.values[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case json.Number:
		n, err := t.Float64()
		return err != nil || n != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// FlagAs returns the flag under key as T. A missing flag yields def; a flag
// of another type yields def and ErrFlagType.
func FlagAs[T any](f *Flags, key string, def T) (T, error) {
	v, ok := f.values[key]
	if !ok {
		return def, nil
	}
	t, ok := v.(T)
	if !ok {
		return def, fmt.Errorf("%w: %q holds %T, want %T", ErrFlagType, key, v, def)
	}
	return t, nil
}
