// Package examples holds a hand-written connector that shows how to implement
// connector.Connector without the declarative mapping.
package examples

import (
	"context"
	"fmt"
	"os"

	"switchboard/internal/connector"
	"switchboard/internal/mapping"
)

// Kind is the routes file kind served by this package.
const Kind = "example"

// FlagHasID is set when the incoming payload carries an id.
const FlagHasID = "has_id"

// Connector renames one key (name to fullName unless configured) and forwards
// everything else untouched.
type Connector struct {
	connector.NopHooks
	name     string
	method   connector.Method
	uri      string
	headers  map[string]string
	from, to string
}

// New builds the example connector from a routes file definition. Method
// defaults to POST. The optional config keys rename_from and rename_to pick
// the renamed key.
func New(_ context.Context, def mapping.Definition) (connector.Connector, error) {
	uri := os.ExpandEnv(def.URI)
	if err := connector.CheckOutgoingURI(uri); err != nil {
		return nil, err
	}
	from, err := configString(def.Config, "rename_from", "name")
	if err != nil {
		return nil, err
	}
	to, err := configString(def.Config, "rename_to", "fullName")
	if err != nil {
		return nil, err
	}
	m := connector.MethodPost
	if def.Method != "" {
		if m, err = connector.ParseMethod(def.Method); err != nil {
			return nil, err
		}
	}
	headers := make(map[string]string, len(def.Headers))
	for k, v := range def.Headers {
		headers[k] = os.ExpandEnv(v)
	}
	return &Connector{name: def.Name, method: m, uri: uri, headers: headers, from: from, to: to}, nil
}

func configString(cfg map[string]any, key, def string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("config %s must be a non-empty string", key)
	}
	return s, nil
}

func (c *Connector) Name() string                       { return c.name }
func (c *Connector) DetermineMethod() connector.Method  { return c.method }
func (c *Connector) DetermineOutgoingURI() string       { return c.uri }
func (c *Connector) OutgoingHeaders() map[string]string { return c.headers }

func (c *Connector) OnSetFlagsIncoming(_ context.Context, flags *connector.Flags, incoming connector.Payload) error {
	_, ok := incoming["id"]
	flags.Set(FlagHasID, ok)
	return nil
}

func (c *Connector) MapModel(_ context.Context, flags *connector.Flags, incoming connector.Payload) (connector.Payload, error) {
	out := make(connector.Payload, len(incoming))
	for k, v := range incoming {
		if k == c.from {
			out[c.to] = v
			continue
		}
		out[k] = v
	}
	if !flags.Bool(FlagHasID) {
		delete(out, "id")
	}
	return out, nil
}
