// Package connector forwards one incoming payload to one downstream API call.
//
// A Connector describes the mapping and the target; Switchboard.Connect runs
// the fixed pipeline: incoming flags, mapping, outgoing flags, JSON encoding,
// dispatch and response check.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Payload is a loosely typed JSON object. A nil Payload means "absent".
type Payload = map[string]any

// Method selects the HTTP method of the outgoing call.
type Method int

const (
	MethodPost  Method = 1
	MethodPut   Method = 2
	MethodPatch Method = 3
)

func (m Method) String() string {
	switch m {
	case MethodPost:
		return http.MethodPost
	case MethodPut:
		return http.MethodPut
	case MethodPatch:
		return http.MethodPatch
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod accepts post, put and patch in any case.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case http.MethodPost:
		return MethodPost, nil
	case http.MethodPut:
		return MethodPut, nil
	case http.MethodPatch:
		return MethodPatch, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

// CheckOutgoingURI rejects anything but an absolute http(s) URL.
func CheckOutgoingURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("uri %q: %w", uri, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("uri %q is not an absolute http(s) url", uri)
	}
	return nil
}

// Connector is implemented by every concrete mapping. Embed NopHooks to get
// no-op flag hooks.
type Connector interface {
	DetermineMethod() Method
	DetermineOutgoingURI() string
	// MapModel builds the outgoing payload. It must not mutate incoming.
	MapModel(ctx context.Context, flags *Flags, incoming Payload) (Payload, error)
	OutgoingHeaders() map[string]string
	OnSetFlagsIncoming(ctx context.Context, flags *Flags, incoming Payload) error
	OnSetFlagsOutgoing(ctx context.Context, flags *Flags, outgoing Payload) error
}

// NopHooks implements both flag hooks as no-ops.
type NopHooks struct{}

func (NopHooks) OnSetFlagsIncoming(context.Context, *Flags, Payload) error { return nil }
func (NopHooks) OnSetFlagsOutgoing(context.Context, *Flags, Payload) error { return nil }

// NameOf returns c.Name() when c has one, else its type name.
func NameOf(c Connector) string {
	if n, ok := c.(interface{ Name() string }); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", c), "*")
}
