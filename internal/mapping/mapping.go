// Package mapping builds connectors from declarative definitions: outgoing
// fields and flags are JMESPath expressions over the payload, and an optional
// Rego policy derives extra flags from the incoming payload.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	jmes "github.com/jmespath/go-jmespath"
	"github.com/open-policy-agent/opa/rego"

	"switchboard/internal/connector"
)

// PolicyQuery is evaluated against {"incoming": <payload>} and must yield an object.
const PolicyQuery = "data.switchboard.flags"

type field struct {
	Field
	expr      *jmes.JMESPath
	transform transformFunc
}

type flagRule struct {
	name string
	expr *jmes.JMESPath
}

// Connector implements connector.Connector from a Definition.
type Connector struct {
	name     string
	method   connector.Method
	uri      string
	headers  map[string]string
	fields   []field
	inFlags  []flagRule
	outFlags []flagRule
	policy   *rego.PreparedEvalQuery
}

var _ connector.Connector = (*Connector)(nil)

// New validates def and compiles its expressions.
func New(ctx context.Context, def Definition) (*Connector, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, errors.New("definition without name")
	}
	method, err := connector.ParseMethod(def.Method)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}
	uri := os.ExpandEnv(def.URI)
	if err := connector.CheckOutgoingURI(uri); err != nil {
		return nil, fmt.Errorf("%s: %w", def.Name, err)
	}
	c := &Connector{name: def.Name, method: method, uri: uri, headers: map[string]string{}}
	for k, v := range def.Headers {
		c.headers[k] = os.ExpandEnv(v)
	}
	for i, f := range def.Fields {
		if f.To == "" {
			return nil, fmt.Errorf("%s: field %d has no target", def.Name, i)
		}
		cf := field{Field: f}
		switch {
		case f.From != "" && f.Value != nil:
			return nil, fmt.Errorf("%s: field %s sets both from and value", def.Name, f.To)
		case f.From != "":
			if cf.expr, err = jmes.Compile(f.From); err != nil {
				return nil, fmt.Errorf("%s: field %s: %w", def.Name, f.To, err)
			}
		case f.Value == nil:
			return nil, fmt.Errorf("%s: field %s needs from or value", def.Name, f.To)
		}
		if f.Transform != "" {
			if cf.transform = transforms[f.Transform]; cf.transform == nil {
				return nil, fmt.Errorf("%s: field %s: unknown transform %q", def.Name, f.To, f.Transform)
			}
		}
		c.fields = append(c.fields, cf)
	}
	if c.inFlags, err = compileFlags(def.Flags.Incoming); err != nil {
		return nil, fmt.Errorf("%s: incoming flags: %w", def.Name, err)
	}
	if c.outFlags, err = compileFlags(def.Flags.Outgoing); err != nil {
		return nil, fmt.Errorf("%s: outgoing flags: %w", def.Name, err)
	}
	if strings.TrimSpace(def.Policy) != "" {
		pq, err := rego.New(
			rego.Query(PolicyQuery),
			rego.Module(def.Name+".rego", def.Policy),
		).PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: policy: %w", def.Name, err)
		}
		c.policy = &pq
	}
	return c, nil
}

func compileFlags(rules map[string]string) ([]flagRule, error) {
	out := make([]flagRule, 0, len(rules))
	for name, expr := range rules {
		jp, err := jmes.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, flagRule{name: name, expr: jp})
	}
	return out, nil
}

func (c *Connector) Name() string                       { return c.name }
func (c *Connector) DetermineMethod() connector.Method  { return c.method }
func (c *Connector) DetermineOutgoingURI() string       { return c.uri }
func (c *Connector) OutgoingHeaders() map[string]string { return c.headers }

// MapModel emits one key per field whose When flag holds. Fields that resolve
// to null after their transform are dropped unless required.
func (c *Connector) MapModel(_ context.Context, flags *connector.Flags, incoming connector.Payload) (connector.Payload, error) {
	out := connector.Payload{}
	for _, f := range c.fields {
		if f.When != "" && !flags.Bool(f.When) {
			continue
		}
		v, err := f.Value, error(nil)
		if f.expr != nil {
			if v, err = f.expr.Search(map[string]any(incoming)); err != nil {
				return nil, fmt.Errorf("field %s: %w", f.To, err)
			}
		}
		if f.transform != nil {
			if v, err = f.transform(v); err != nil {
				return nil, fmt.Errorf("field %s: %s: %w", f.To, f.Transform, err)
			}
		}
		if v == nil {
			if f.Required {
				return nil, fmt.Errorf("field %s: %q resolved to nothing", f.To, f.From)
			}
			continue
		}
		out[f.To] = v
	}
	return out, nil
}

func (c *Connector) OnSetFlagsIncoming(ctx context.Context, flags *connector.Flags, incoming connector.Payload) error {
	if err := applyFlags(c.inFlags, flags, incoming); err != nil {
		return err
	}
	if c.policy == nil {
		return nil
	}
	rs, err := c.policy.Eval(ctx, rego.EvalInput(map[string]any{"incoming": map[string]any(incoming)}))
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return fmt.Errorf("policy: %s is %T, want object", PolicyQuery, rs[0].Expressions[0].Value)
	}
	for k, v := range m {
		flags.Set(k, v)
	}
	return nil
}

func (c *Connector) OnSetFlagsOutgoing(_ context.Context, flags *connector.Flags, outgoing connector.Payload) error {
	return applyFlags(c.outFlags, flags, outgoing)
}

func applyFlags(rules []flagRule, flags *connector.Flags, p connector.Payload) error {
	for _, r := range rules {
		v, err := r.expr.Search(map[string]any(p))
		if err != nil {
			return fmt.Errorf("flag %s: %w", r.name, err)
		}
		if v != nil {
			flags.Set(r.name, v)
		}
	}
	return nil
}
