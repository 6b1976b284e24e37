package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds every outgoing call unless WithTimeout says otherwise.
	DefaultTimeout = 5 * time.Second

	maxResponseBody = 4 << 20
	outcomeOK       = "ok"
)

// Event describes one finished Connect call.
type Event struct {
	Connector  string
	Method     string
	URI        string
	StatusCode int
	Outcome    string // "ok" or the error Kind
	StartedAt  time.Time
	Duration   time.Duration
	Err        error
}

// Recorder receives an Event after every Connect call.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type Option func(*Switchboard)

func WithHTTPClient(c *http.Client) Option { return func(s *Switchboard) { s.client = c } }

// WithTimeout sets the outgoing call deadline. Non-positive values keep DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(s *Switchboard) { s.timeout = d } }

func WithLogger(log *zap.SugaredLogger) Option { return func(s *Switchboard) { s.log = log } }

func WithMetrics(m *Metrics) Option { return func(s *Switchboard) { s.metrics = m } }

func WithRecorder(r Recorder) Option { return func(s *Switchboard) { s.recorder = r } }

// Switchboard runs Connect calls. It holds configuration only and is safe for
// concurrent use; all per-call state is local to Connect.
type Switchboard struct {
	client   *http.Client
	timeout  time.Duration
	log      *zap.SugaredLogger
	metrics  *Metrics
	recorder Recorder
	tracer   trace.Tracer
}

func New(opts ...Option) *Switchboard {
	s := &Switchboard{}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	s.tracer = otel.Tracer("switchboard/connector")
	return s
}

// Timeout returns the deadline applied to outgoing calls.
func (s *Switchboard) Timeout() time.Duration { return s.timeout }

// Connect maps incoming through c and forwards the result to c's downstream API.
// It returns nil on a 2xx answer and a *Error otherwise. No step is retried.
func (s *Switchboard) Connect(ctx context.Context, c Connector, incoming Payload) (err error) {
	name := NameOf(c)
	start := time.Now()
	ev := Event{Connector: name, StartedAt: start.UTC()}
	ctx, span := s.tracer.Start(ctx, "connector.Connect", trace.WithAttributes(attribute.String("switchboard.connector", name)))
	defer func() {
		ev.Duration = time.Since(start)
		ev.Err = err
		ev.Outcome = outcomeOK
		if ce, ok := AsError(err); ok {
			ev.Outcome = string(ce.Kind)
		}
		s.metrics.observe(ev)
		if s.recorder != nil {
			s.recorder.Record(ctx, ev)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ev.Outcome)
			s.log.Warnw("connect failed", "connector", name, "method", ev.Method, "uri", ev.URI, "status", ev.StatusCode, "err", err)
		} else {
			s.log.Infow("connect ok", "connector", name, "method", ev.Method, "uri", ev.URI, "status", ev.StatusCode, "duration_ms", ev.Duration.Milliseconds())
		}
		span.End()
	}()

	if incoming == nil {
		return newError(KindInvalidInput, "no such incoming values", nil)
	}

	flags := NewFlags()
	if err := c.OnSetFlagsIncoming(ctx, flags, incoming); err != nil {
		return newError(KindHook, "set incoming flags", err)
	}

	outgoing, err := c.MapModel(ctx, flags, incoming)
	if err != nil {
		return newError(KindMapping, "map model", err)
	}
	if outgoing == nil {
		outgoing = Payload{}
	}
	s.log.Debugw("outgoing payload", "connector", name, "values", outgoing)

	if err := c.OnSetFlagsOutgoing(ctx, flags, outgoing); err != nil {
		return newError(KindHook, "set outgoing flags", err)
	}

	body, err := json.Marshal(outgoing)
	if err != nil {
		return newError(KindSerialization, "unable to serialise payload", err)
	}

	method := c.DetermineMethod()
	uri := c.DetermineOutgoingURI()
	ev.Method, ev.URI = method.String(), uri
	span.SetAttributes(attribute.String("http.request.method", ev.Method), attribute.String("url.full", uri))

	switch method {
	case MethodPost, MethodPut:
	case MethodPatch:
		return newError(KindNotImplemented, "no patch methods supported yet", nil)
	default:
		return newError(KindNotImplemented, fmt.Sprintf("unsupported method %s", method), nil)
	}

	status, err := s.dispatch(ctx, method, uri, c.OutgoingHeaders(), body)
	ev.StatusCode = status
	return err
}

func (s *Switchboard) dispatch(ctx context.Context, method Method, uri string, headers map[string]string, body []byte) (int, error) {
	parentDeadline, hasParent := ctx.Deadline()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	// The caller's deadline wins when it is not later than ours.
	dl, _ := ctx.Deadline()
	callerBound := hasParent && !parentDeadline.After(dl)

	req, err := http.NewRequestWithContext(ctx, method.String(), uri, bytes.NewReader(body))
	if err != nil {
		return 0, newError(KindRemoteCallFailed, "build outgoing request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			msg := fmt.Sprintf("outgoing call timed out after %s", s.timeout)
			if callerBound {
				msg = "outgoing call exceeded the caller deadline"
			}
			return 0, &Error{Kind: KindRemoteCallFailed, Message: msg, Timeout: true, Cause: err}
		}
		return 0, newError(KindRemoteCallFailed, "outgoing call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	truncated := len(raw) > maxResponseBody
	if truncated {
		raw = raw[:maxResponseBody]
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &Error{
			Kind:       KindRemoteCallFailed,
			Message:    "outgoing call returned non-success status",
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
		switch {
		case err != nil:
			e.Message += " (response body incomplete)"
			e.Cause = err
			e.Timeout = isTimeout(err)
		case truncated:
			e.Message += fmt.Sprintf(" (response body truncated to %d bytes)", maxResponseBody)
		}
		return resp.StatusCode, e
	}
	if err != nil {
		return resp.StatusCode, &Error{Kind: KindRemoteCallFailed, Message: "read response", Timeout: isTimeout(err), Cause: err}
	}
	return resp.StatusCode, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
