package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agent-relay/relay/internal/codec"
)

// Client is the caller side of a Conn: it performs the hello handshake,
// correlates requests to responses by identifier, and demultiplexes pushed
// event envelopes onto a separate channel, mirroring RevylAI's
// WorkerWSClient split between response and event consumers.
type Client struct {
	dec *codec.LineDecoder
	w   io.Writer
	wMu sync.Mutex

	pending   sync.Map // requestID -> chan Envelope
	Events    chan Envelope
	readErr   chan error
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps r/w as the client side of a protocol stream.
func NewClient(r io.Reader, w io.Writer, maxFrameSize int) *Client {
	c := &Client{
		dec:     codec.NewLineDecoder(r, maxFrameSize),
		w:       w,
		Events:  make(chan Envelope, 64),
		readErr: make(chan error, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer close(c.Events)
	for {
		line, err := c.dec.Next()
		if err != nil {
			c.readErr <- err
			return
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}
		if env.RequestID != "" {
			if ch, ok := c.pending.LoadAndDelete(env.RequestID); ok {
				ch.(chan Envelope) <- env
			}
			continue
		}
		select {
		case c.Events <- env:
		case <-c.done:
			return
		}
	}
}

// Hello performs the hello/hello_ack handshake. It must be called before
// Request.
func (c *Client) Hello(ctx context.Context) error {
	if err := c.write(Envelope{Version: Version, Type: TypeHello}); err != nil {
		return err
	}
	select {
	case env := <-c.Events:
		if env.Type != TypeHelloAck {
			return fmt.Errorf("protocol: expected hello_ack, got %q", env.Type)
		}
		return nil
	case err := <-c.readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends method with payload and blocks until a correlated ok/error
// response arrives or ctx expires. Per-request timeouts are the caller's
// responsibility, per spec.
func (c *Client) Request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	id := NewRequestID()
	ch := make(chan Envelope, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.write(Envelope{Version: Version, Type: TypeRequest, RequestID: id, Method: method, Payload: raw}); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		if env.Type == TypeError {
			if env.Error != nil {
				return nil, fmt.Errorf("protocol: %s: %s", env.Error.Code, env.Error.Message)
			}
			return nil, errors.New("protocol: request failed")
		}
		return env.Payload, nil
	case err := <-c.readErr:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) write(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.wMu.Lock()
	defer c.wMu.Unlock()
	return codec.WriteLine(c.w, raw)
}

// Close stops the read loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
