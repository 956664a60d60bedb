// Package broker owns the worker table and is the single point of spawn,
// release, and crash-restart decisions. It wires internal/ptyworker
// (process lifecycle) to internal/delivery (message injection) and
// internal/events (lifecycle fan-out) the way the teacher's pipeline
// orchestrator owns agent invocation and the loop runner owns its recovery
// policy, but generalized to a long-lived worker table instead of one-shot
// invocations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/events"
	"github.com/agent-relay/relay/internal/ptyworker"
)

// ErrDuplicateName is returned by SpawnAgent when name is already registered.
var ErrDuplicateName = errors.New("broker: worker name already registered")

// ErrUnknownWorker is returned when an operation names a worker the broker
// does not know about.
var ErrUnknownWorker = errors.New("broker: unknown worker")

// SpawnOpts describes a requested worker.
type SpawnOpts struct {
	Name          string
	Command       string
	Args          []string
	Env           []string
	Dir           string
	Channels      []string
	Cols, Rows    uint16
	IdleThreshold time.Duration
	LogDir        string

	DisableBypass bool
	InitialTask   string
	Restart       RestartPolicy
}

type entry struct {
	worker      *ptyworker.Worker
	opts        SpawnOpts
	restarts    int
	unsubChunks func()
}

// Broker owns the live worker table.
type Broker struct {
	mu      sync.Mutex
	workers map[string]*entry

	bus      *events.Bus
	delivery *delivery.Engine

	ctx context.Context
}

// New creates a Broker. ctx governs all spawned workers' lifetimes.
func New(ctx context.Context, bus *events.Bus) *Broker {
	b := &Broker{
		workers: make(map[string]*entry),
		bus:     bus,
		ctx:     ctx,
	}
	b.delivery = delivery.New(b, bus, delivery.DefaultVerifyWindow)
	return b
}

// Delivery returns the broker's delivery engine, wired to this broker's
// worker table as its Registry.
func (b *Broker) Delivery() *delivery.Engine { return b.delivery }

// SpawnAgent registers and starts a new worker.
func (b *Broker) SpawnAgent(opts SpawnOpts) (*ptyworker.Worker, error) {
	b.mu.Lock()
	if _, exists := b.workers[opts.Name]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, opts.Name)
	}
	b.mu.Unlock()

	worker, err := b.start(opts)
	if err != nil {
		return nil, err
	}

	if opts.InitialTask != "" {
		_, _, _ = b.delivery.Send(b.ctx, delivery.Message{Target: opts.Name, Body: opts.InitialTask})
	}

	return worker, nil
}

func (b *Broker) start(opts SpawnOpts) (*ptyworker.Worker, error) {
	args := append([]string{}, opts.Args...)
	if flag := resolveBypassFlag(opts.Command, opts.DisableBypass); flag != "" {
		args = append(args, flag)
	}

	name := opts.Name
	w, err := ptyworker.Spawn(b.ctx, ptyworker.SpawnOpts{
		Name:          name,
		Command:       opts.Command,
		Args:          args,
		Env:           opts.Env,
		Dir:           opts.Dir,
		Channels:      opts.Channels,
		Cols:          opts.Cols,
		Rows:          opts.Rows,
		IdleThreshold: opts.IdleThreshold,
		LogDir:        opts.LogDir,
	}, ptyworker.Listener{
		OnIdle: func() { b.bus.Publish(events.Event{Kind: events.WorkerIdle, Worker: name}) },
		OnExit: func(code int, signaled bool, sig string) {
			b.onExit(name, code)
		},
	})
	if err != nil {
		return nil, err
	}

	e := &entry{worker: w, opts: opts}
	e.unsubChunks = w.SubscribeChunks(func(c ptyworker.Chunk) {
		b.bus.Publish(events.Event{Kind: events.WorkerStream, Worker: name, Data: map[string]any{"bytes": len(c.Data)}})
	})

	b.mu.Lock()
	b.workers[name] = e
	b.mu.Unlock()

	b.bus.Publish(events.Event{Kind: events.WorkerReady, Worker: name})
	return w, nil
}

func (b *Broker) onExit(name string, code int) {
	b.bus.Publish(events.Event{Kind: events.WorkerExited, Worker: name, Data: map[string]any{"code": code}})

	b.mu.Lock()
	e, ok := b.workers[name]
	if !ok {
		b.mu.Unlock()
		return
	}
	e.restarts++
	attempt := e.restarts
	policy := e.opts.Restart
	b.mu.Unlock()

	if code == 0 || !policy.ShouldRestart(attempt) {
		b.removeWorker(name)
		return
	}

	delay := policy.Delay(attempt)
	go func() {
		select {
		case <-time.After(delay):
		case <-b.ctx.Done():
			return
		}
		b.removeWorker(name)
		if _, err := b.start(e.opts); err != nil {
			b.bus.Publish(events.Event{Kind: events.WorkerExited, Worker: name, Data: map[string]any{"restart_failed": err.Error()}})
		}
	}()
}

// ReleaseAgent gracefully releases and deregisters worker name once every
// in-flight delivery has reached a terminal state.
func (b *Broker) ReleaseAgent(name, reason string) error {
	b.mu.Lock()
	e, ok := b.workers[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}

	if err := e.worker.Release(reason); err != nil {
		return err
	}
	b.removeWorker(name)
	b.bus.Publish(events.Event{Kind: events.WorkerReleased, Worker: name, Data: map[string]any{"reason": reason}})
	return nil
}

func (b *Broker) removeWorker(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.workers[name]; ok {
		if e.unsubChunks != nil {
			e.unsubChunks()
		}
		delete(b.workers, name)
	}
}

// Status is a point-in-time snapshot of one worker for get_status/list_agents.
type Status struct {
	Name  string
	State ptyworker.State
	PID   int
}

// List returns a snapshot of every registered worker.
func (b *Broker) List() []Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Status, 0, len(b.workers))
	for name, e := range b.workers {
		out = append(out, Status{Name: name, State: e.worker.State(), PID: e.worker.PID()})
	}
	return out
}

// --- delivery.Registry ---

// Worker returns the named worker as a delivery.Worker, if registered.
func (b *Broker) Worker(name string) (delivery.Worker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.workers[name]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// ReadyWorkers returns every worker currently able to accept an injection.
func (b *Broker) ReadyWorkers() []delivery.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery.Worker
	for _, e := range b.workers {
		if e.worker.Ready() {
			out = append(out, e.worker)
		}
	}
	return out
}

// PTYWorker returns the raw ptyworker.Worker registered under name, for
// callers (the agent step executor) that need output subscription and exit
// waiting beyond what the delivery.Worker interface exposes.
func (b *Broker) PTYWorker(name string) (*ptyworker.Worker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.workers[name]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// WorkersInChannel returns every ready worker tagged with channel.
func (b *Broker) WorkersInChannel(channel string) []delivery.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []delivery.Worker
	for _, e := range b.workers {
		if !e.worker.Ready() {
			continue
		}
		for _, c := range e.worker.Channels() {
			if c == channel {
				out = append(out, e.worker)
				break
			}
		}
	}
	return out
}
