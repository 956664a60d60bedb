// Package protocol implements the line-delimited JSON-RPC-like envelope
// exchanged over the broker's standard I/O streams: a hello/hello_ack
// handshake gate, request/response correlation by identifier, and a
// dispatch table for the broker's method set.
//
// The discriminated-envelope decoding is grounded on the teacher's
// agent.StreamDecoder/StreamEvent pattern (internal/agent/stream.go),
// generalized here from a read-only event stream into a full bidirectional
// request/response protocol; demultiplexing responses from pushed events by
// the presence of a request identifier mirrors RevylAI's WorkerWSClient.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/codec"
)

// Version is the protocol version advertised in hello/hello_ack.
const Version = "1"

// EnvelopeType discriminates Envelope.Type.
type EnvelopeType string

const (
	TypeHello    EnvelopeType = "hello"
	TypeHelloAck EnvelopeType = "hello_ack"
	TypeRequest  EnvelopeType = "request"
	TypeOK       EnvelopeType = "ok"
	TypeError    EnvelopeType = "error"
	TypeEvent    EnvelopeType = "event"
)

// Method names from the method set (spec §4.5).
const (
	MethodHello            = "hello"
	MethodSpawnAgent       = "spawn_agent"
	MethodReleaseAgent     = "release_agent"
	MethodSendInput        = "send_input"
	MethodSendMessage      = "send_message"
	MethodSetModel         = "set_model"
	MethodListAgents       = "list_agents"
	MethodGetStatus        = "get_status"
	MethodGetMetrics       = "get_metrics"
	MethodGetCrashInsights = "get_crash_insights"
	MethodShutdown         = "shutdown"
)

// ErrUnsupportedOperation is the error code returned for unknown methods.
const ErrUnsupportedOperation = "unsupported_operation"

// Envelope is one line-delimited frame of the protocol stream.
type Envelope struct {
	Version   string          `json:"version"`
	Type      EnvelopeType    `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the body of a `type: "error"` envelope.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// MethodFunc handles one request's payload and returns a result to be
// marshaled into an `ok` envelope's payload, or an error.
type MethodFunc func(ctx context.Context, payload json.RawMessage) (result any, err error)

// UnsupportedError marks a MethodFunc error as unsupported_operation rather
// than a handler-internal failure.
type UnsupportedError struct{ Method string }

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("protocol: unsupported operation %q", e.Method)
}

var errNotHello = errors.New("protocol: first frame was not hello")

// Conn is one framed, bidirectional protocol stream.
type Conn struct {
	dec *codec.LineDecoder
	w   io.Writer
	wMu sync.Mutex

	methods map[string]MethodFunc

	helloed bool
}

// NewConn wraps r/w as a protocol stream, framed via internal/codec's
// line-delimited decoder, with maxFrameSize <= 0 using codec's default.
func NewConn(r io.Reader, w io.Writer, maxFrameSize int) *Conn {
	return &Conn{
		dec:     codec.NewLineDecoder(r, maxFrameSize),
		w:       w,
		methods: make(map[string]MethodFunc),
	}
}

// Handle registers fn for method. It must be called before Serve.
func (c *Conn) Handle(method string, fn MethodFunc) {
	c.methods[method] = fn
}

// PushEvent writes an unsolicited `event` envelope carrying payload.
func (c *Conn) PushEvent(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeEnvelope(Envelope{Version: Version, Type: TypeEvent, Payload: raw})
}

// Serve reads frames until the connection closes or ctx is done. The first
// frame must be a hello envelope; Serve replies with hello_ack and then
// dispatches every subsequent request to its registered handler, writing
// exactly one ok or error response per request.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := c.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			if err := c.writeError("", "malformed_payload", err.Error(), false); err != nil {
				return err
			}
			continue
		}

		if !c.helloed {
			if env.Type != TypeHello {
				return errNotHello
			}
			c.helloed = true
			if err := c.writeEnvelope(Envelope{Version: Version, Type: TypeHelloAck}); err != nil {
				return err
			}
			continue
		}

		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env Envelope) {
	fn, ok := c.methods[env.Method]
	if !ok {
		_ = c.writeError(env.RequestID, ErrUnsupportedOperation, fmt.Sprintf("unknown method %q", env.Method), false)
		return
	}

	result, err := fn(ctx, env.Payload)
	if err != nil {
		var unsupported *UnsupportedError
		if errors.As(err, &unsupported) {
			_ = c.writeError(env.RequestID, ErrUnsupportedOperation, err.Error(), false)
			return
		}
		_ = c.writeError(env.RequestID, "handler_error", err.Error(), true)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		_ = c.writeError(env.RequestID, "handler_error", err.Error(), false)
		return
	}
	_ = c.writeEnvelope(Envelope{Version: Version, Type: TypeOK, RequestID: env.RequestID, Payload: raw})
}

func (c *Conn) writeError(requestID, code, message string, retryable bool) error {
	return c.writeEnvelope(Envelope{
		Version:   Version,
		Type:      TypeError,
		RequestID: requestID,
		Error:     &ErrorPayload{Code: code, Message: message, Retryable: retryable},
	})
}

func (c *Conn) writeEnvelope(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wMu.Lock()
	defer c.wMu.Unlock()
	return codec.WriteLine(c.w, raw)
}

// NewRequestID generates a unique request identifier for client use.
func NewRequestID() string {
	return uuid.NewString()
}
