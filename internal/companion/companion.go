// Package companion implements the loopback WebSocket side-channel: a
// signed connect handshake followed by chat.send requests framed like the
// main protocol stream. Connection lifecycle (a per-connection done
// channel, a ping loop, mutex-guarded writes) is grounded on RevylAI's
// WorkerWSClient, adapted from the client side of that pattern to the
// server side accepting connections here.
package companion

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-relay/relay/internal/protocol"
)

// DefaultPingInterval matches the keep-alive cadence RevylAI's client uses.
const DefaultPingInterval = 25 * time.Second

// ConnectFrame is the first frame a companion client must send: Fields is
// the pipe-joined canonical payload, Signature is its base64-encoded
// Ed25519 signature.
type ConnectFrame struct {
	Fields    []string `json:"fields"`
	Signature string   `json:"signature"`
}

// Canonical reproduces the pipe-separated signing payload byte-for-byte.
func (f ConnectFrame) Canonical() string {
	return strings.Join(f.Fields, "|")
}

// ErrBadSignature is returned when a connect frame's signature does not
// verify against the configured public key.
var ErrBadSignature = errors.New("companion: connect signature invalid")

// ChatHandler answers a chat.send request's text, returning the reply text.
type ChatHandler func(conn *websocket.Conn, text string) (reply string, err error)

// Server is a loopback WebSocket endpoint accepting a signed connect
// handshake followed by chat.send requests.
type Server struct {
	PublicKey    ed25519.PublicKey
	Handler      ChatHandler
	PingInterval time.Duration

	upgrader websocket.Upgrader
}

// NewServer creates a companion Server verifying connect handshakes against
// publicKey.
func NewServer(publicKey ed25519.PublicKey, handler ChatHandler) *Server {
	return &Server{
		PublicKey:    publicKey,
		Handler:      handler,
		PingInterval: DefaultPingInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // loopback-only by bind address, not origin
		},
	}
}

// ServeHTTP upgrades the connection and runs its lifecycle until the client
// disconnects or sends an invalid frame.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		_ = conn.WriteJSON(protocol.Envelope{
			Version: protocol.Version,
			Type:    protocol.TypeError,
			Error:   &protocol.ErrorPayload{Code: "handshake_failed", Message: err.Error()},
		})
		return
	}

	done := make(chan struct{})
	var writeMu sync.Mutex
	go s.pingLoop(conn, &writeMu, done)
	defer close(done)

	s.serveRequests(conn, &writeMu)
}

func (s *Server) handshake(conn *websocket.Conn) error {
	var frame ConnectFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("reading connect frame: %w", err)
	}

	sig, err := base64.StdEncoding.DecodeString(frame.Signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	if !ed25519.Verify(s.PublicKey, []byte(frame.Canonical()), sig) {
		return ErrBadSignature
	}

	return conn.WriteJSON(protocol.Envelope{Version: protocol.Version, Type: protocol.TypeHelloAck})
}

type chatSendPayload struct {
	Text string `json:"text"`
}

func (s *Server) serveRequests(conn *websocket.Conn, writeMu *sync.Mutex) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		if env.Method != "chat.send" {
			s.writeError(conn, writeMu, env.RequestID, protocol.ErrUnsupportedOperation,
				fmt.Sprintf("unknown method %q", env.Method))
			continue
		}

		var payload chatSendPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.writeError(conn, writeMu, env.RequestID, "malformed_payload", err.Error())
			continue
		}

		reply, err := s.Handler(conn, payload.Text)
		if err != nil {
			s.writeError(conn, writeMu, env.RequestID, "handler_error", err.Error())
			continue
		}

		raw, _ := json.Marshal(map[string]string{"reply": reply})
		s.write(conn, writeMu, protocol.Envelope{
			Version: protocol.Version, Type: protocol.TypeOK, RequestID: env.RequestID, Payload: raw,
		})
	}
}

func (s *Server) writeError(conn *websocket.Conn, writeMu *sync.Mutex, requestID, code, message string) {
	s.write(conn, writeMu, protocol.Envelope{
		Version: protocol.Version, Type: protocol.TypeError, RequestID: requestID,
		Error: &protocol.ErrorPayload{Code: code, Message: message},
	})
}

func (s *Server) write(conn *websocket.Conn, writeMu *sync.Mutex, env protocol.Envelope) {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.WriteJSON(env)
}

func (s *Server) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, done chan struct{}) {
	interval := s.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SignConnect is a test/client-side helper that signs fields with priv and
// returns the ConnectFrame to send.
func SignConnect(priv ed25519.PrivateKey, fields []string) ConnectFrame {
	payload := strings.Join(fields, "|")
	sig := ed25519.Sign(priv, []byte(payload))
	return ConnectFrame{Fields: fields, Signature: base64.StdEncoding.EncodeToString(sig)}
}
