package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/events"
	"github.com/agent-relay/relay/internal/protocol"
	"github.com/agent-relay/relay/internal/ptyworker"
)

// Server adapts a Broker's method set to protocol.Conn's dispatch table,
// the way the teacher's companion process exposes its JSON-RPC methods over
// a localhost listener -- generalized here to the broker's stdio stream.
type Server struct {
	broker *Broker
	bus    *events.Bus
}

// NewServer wires every protocol method to b, publishing lifecycle events
// through bus (the same bus b itself publishes to).
func NewServer(b *Broker, bus *events.Bus) *Server {
	return &Server{broker: b, bus: bus}
}

// Register attaches every method handler to conn. Call before conn.Serve.
func (s *Server) Register(conn *protocol.Conn) {
	conn.Handle(protocol.MethodSpawnAgent, s.spawnAgent)
	conn.Handle(protocol.MethodReleaseAgent, s.releaseAgent)
	conn.Handle(protocol.MethodSendInput, s.sendInput)
	conn.Handle(protocol.MethodSendMessage, s.sendMessage)
	conn.Handle(protocol.MethodSetModel, s.setModel)
	conn.Handle(protocol.MethodListAgents, s.listAgents)
	conn.Handle(protocol.MethodGetStatus, s.getStatus)
	conn.Handle(protocol.MethodGetMetrics, s.getMetrics)
	conn.Handle(protocol.MethodGetCrashInsights, s.getCrashInsights)
	conn.Handle(protocol.MethodShutdown, s.shutdown)
}

// PublishTo forwards every bus event to conn as a pushed event frame, until
// ctx is cancelled. Run it in its own goroutine alongside conn.Serve.
func (s *Server) PublishTo(ctx context.Context, conn *protocol.Conn) {
	ch := make(chan events.Event, 64)
	unsub := s.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			_ = conn.PushEvent(e)
		}
	}
}

type spawnAgentRequest struct {
	Name          string   `json:"name"`
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	Env           []string `json:"env"`
	Dir           string   `json:"dir"`
	Channels      []string `json:"channels"`
	Cols          uint16   `json:"cols"`
	Rows          uint16   `json:"rows"`
	IdleThreshold string   `json:"idle_threshold"`
	InitialTask   string   `json:"initial_task"`
	DisableBypass bool     `json:"disable_bypass"`
}

type spawnAgentResponse struct {
	Name string `json:"name"`
	PID  int    `json:"pid"`
}

func (s *Server) spawnAgent(ctx context.Context, payload json.RawMessage) (any, error) {
	var req spawnAgentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("spawn_agent: decoding payload: %w", err)
	}
	if req.Name == "" || req.Command == "" {
		return nil, fmt.Errorf("spawn_agent: name and command are required")
	}

	idle := ptyworker.DefaultIdleThreshold
	if req.IdleThreshold != "" {
		d, err := time.ParseDuration(req.IdleThreshold)
		if err != nil {
			return nil, fmt.Errorf("spawn_agent: invalid idle_threshold %q: %w", req.IdleThreshold, err)
		}
		idle = d
	}

	w, err := s.broker.SpawnAgent(SpawnOpts{
		Name:          req.Name,
		Command:       req.Command,
		Args:          req.Args,
		Env:           req.Env,
		Dir:           req.Dir,
		Channels:      req.Channels,
		Cols:          req.Cols,
		Rows:          req.Rows,
		IdleThreshold: idle,
		InitialTask:   req.InitialTask,
		DisableBypass: req.DisableBypass,
	})
	if err != nil {
		return nil, err
	}
	return spawnAgentResponse{Name: w.Name(), PID: w.PID()}, nil
}

type releaseAgentRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (s *Server) releaseAgent(ctx context.Context, payload json.RawMessage) (any, error) {
	var req releaseAgentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("release_agent: decoding payload: %w", err)
	}
	if err := s.broker.ReleaseAgent(req.Name, req.Reason); err != nil {
		return nil, err
	}
	return map[string]any{"released": req.Name}, nil
}

type sendInputRequest struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

func (s *Server) sendInput(ctx context.Context, payload json.RawMessage) (any, error) {
	var req sendInputRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("send_input: decoding payload: %w", err)
	}
	w, ok := s.broker.PTYWorker(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, req.Name)
	}
	if err := w.WriteInput([]byte(req.Input)); err != nil {
		return nil, fmt.Errorf("send_input: %w", err)
	}
	return map[string]any{"sent": true}, nil
}

type sendMessageRequest struct {
	Origin   string         `json:"origin"`
	Target   string         `json:"target"`
	Body     string         `json:"body"`
	ThreadID string         `json:"thread_id"`
	Priority int            `json:"priority"`
	Data     map[string]any `json:"data"`
}

type sendMessageResponse struct {
	EventID   string            `json:"event_id"`
	PerWorker map[string]string `json:"per_worker,omitempty"`
}

func (s *Server) sendMessage(ctx context.Context, payload json.RawMessage) (any, error) {
	var req sendMessageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("send_message: decoding payload: %w", err)
	}
	groupID, perWorker, err := s.broker.Delivery().Send(ctx, delivery.Message{
		Origin:   req.Origin,
		Target:   req.Target,
		Body:     req.Body,
		ThreadID: req.ThreadID,
		Priority: req.Priority,
		Data:     req.Data,
	})
	if err != nil {
		return nil, err
	}
	return sendMessageResponse{EventID: groupID, PerWorker: perWorker}, nil
}

type setModelRequest struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// setModel switches a running worker's model by sending the same
// slash-command interactive agents accept mid-session, since the protocol's
// model selection is the only write the broker can make once a worker is
// already spawned with its initial --model flag.
func (s *Server) setModel(ctx context.Context, payload json.RawMessage) (any, error) {
	var req setModelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("set_model: decoding payload: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("set_model: model is required")
	}
	w, ok := s.broker.PTYWorker(req.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, req.Name)
	}
	if err := w.WriteInput([]byte("/model " + req.Model + "\n")); err != nil {
		return nil, fmt.Errorf("set_model: %w", err)
	}
	return map[string]any{"name": req.Name, "model": req.Model}, nil
}

type agentStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	PID   int    `json:"pid"`
}

func (s *Server) listAgents(ctx context.Context, payload json.RawMessage) (any, error) {
	statuses := s.broker.List()
	out := make([]agentStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, agentStatus{Name: st.Name, State: string(st.State), PID: st.PID})
	}
	return map[string]any{"agents": out}, nil
}

type getStatusRequest struct {
	Name string `json:"name"`
}

func (s *Server) getStatus(ctx context.Context, payload json.RawMessage) (any, error) {
	var req getStatusRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("get_status: decoding payload: %w", err)
	}
	for _, st := range s.broker.List() {
		if st.Name == req.Name {
			return agentStatus{Name: st.Name, State: string(st.State), PID: st.PID}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, req.Name)
}

func (s *Server) getMetrics(ctx context.Context, payload json.RawMessage) (any, error) {
	statuses := s.broker.List()
	return map[string]any{
		"worker_count": len(statuses),
	}, nil
}

type getCrashInsightsRequest struct {
	Name string `json:"name"`
}

// getCrashInsights replays the retained WorkerExited events for name (or
// every worker if name is empty), matching what the teacher's crash-insight
// reporting does with its own recovery-event journal, but sourced from the
// bus's bounded replay ring instead of a separate log file.
func (s *Server) getCrashInsights(ctx context.Context, payload json.RawMessage) (any, error) {
	var req getCrashInsightsRequest
	_ = json.Unmarshal(payload, &req)

	replay := s.bus.Replay(events.ReplayFilter{Kind: events.WorkerExited, Worker: req.Name})
	return map[string]any{"exits": replay}, nil
}

func (s *Server) shutdown(ctx context.Context, payload json.RawMessage) (any, error) {
	for _, st := range s.broker.List() {
		_ = s.broker.ReleaseAgent(st.Name, "shutdown requested")
	}
	return map[string]any{"shutdown": true}, nil
}
