// Package delivery implements the per-worker message injection pipeline: a
// FIFO queue with at most one in-flight injection per worker, echo
// verification against the worker's own output, and bounded retry.
//
// The single-owner, snapshot-then-mutate shape is grounded on the teacher's
// workflow engine loop (internal/workflow/engine.go), which likewise owns a
// map of per-entity state and advances it from one synchronous driver
// goroutine per entity.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relay/internal/ansi"
	"github.com/agent-relay/relay/internal/events"
)

// State is a message's delivery lifecycle state (spec §3 "Message").
type State string

const (
	StateQueued   State = "queued"
	StateInjected State = "injected"
	StateActive   State = "active"
	StateVerified State = "verified"
	StateFailed   State = "failed"
)

// MaxAttempts is the total number of injection attempts (including the
// first) before a delivery is marked failed.
const MaxAttempts = 3

// DefaultVerifyWindow is how long the engine waits for an echo match after
// injecting a message before counting the attempt as unconfirmed.
const DefaultVerifyWindow = 5 * time.Second

// UnsupportedTarget is returned (and appears as Record.Error) when a target
// resolves to no workers at send time.
const UnsupportedTarget = "unsupported_operation"

// Target kinds, derived from the literal prefix of Message.Target.
const (
	BroadcastTarget = "*"
	ChannelPrefix   = "#"
)

// Worker is the subset of a PTY worker the delivery engine depends on. It is
// satisfied by *ptyworker.Worker via a small adapter so this package never
// imports ptyworker directly, keeping echo verification testable with fakes.
type Worker interface {
	Name() string
	Channels() []string
	Ready() bool
	WriteInput([]byte) error
	Subscribe(func(chunk []byte)) (unsubscribe func())
}

// Registry resolves delivery targets to concrete workers.
type Registry interface {
	Worker(name string) (Worker, bool)
	ReadyWorkers() []Worker
	WorkersInChannel(channel string) []Worker
}

// Message is one requested injection, prior to per-worker expansion.
type Message struct {
	Origin   string
	Target   string
	Body     string
	ThreadID string
	Priority int
	Data     map[string]any
}

// Record is the transient per-delivery bookkeeping exposed to callers.
type Record struct {
	EventID   string
	Worker    string
	State     State
	Attempts  int
	UpdatedAt time.Time
	Error     string
}

type delivery struct {
	record  Record
	message Message
	mu      sync.Mutex
}

type workerQueue struct {
	mu       sync.Mutex
	pending  []*delivery
	inFlight *delivery
	deadline time.Time
	unsub    func()
}

// Engine is the single owner of all per-worker delivery queues.
type Engine struct {
	registry Registry
	bus      *events.Bus

	verifyWindow time.Duration

	mu      sync.Mutex
	queues  map[string]*workerQueue
	records map[string]*Record // eventID (possibly worker-suffixed) -> record
}

// New creates a delivery engine backed by registry, publishing lifecycle
// events to bus. A verifyWindow <= 0 uses DefaultVerifyWindow.
func New(registry Registry, bus *events.Bus, verifyWindow time.Duration) *Engine {
	if verifyWindow <= 0 {
		verifyWindow = DefaultVerifyWindow
	}
	return &Engine{
		registry:     registry,
		bus:          bus,
		verifyWindow: verifyWindow,
		queues:       make(map[string]*workerQueue),
		records:      make(map[string]*Record),
	}
}

// Send enqueues msg, expanding broadcast and channel targets to a snapshot of
// currently-ready workers at call time. It returns the group event
// identifier; per-worker outcomes are retrievable via Status using the
// worker-qualified identifiers returned alongside it.
func (e *Engine) Send(ctx context.Context, msg Message) (groupID string, perWorkerIDs map[string]string, err error) {
	groupID = uuid.NewString()
	targets := e.resolveTargets(msg.Target)

	if len(targets) == 0 {
		rec := &Record{
			EventID:   groupID,
			State:     StateFailed,
			UpdatedAt: time.Now(),
			Error:     UnsupportedTarget,
		}
		e.mu.Lock()
		e.records[groupID] = rec
		e.mu.Unlock()
		return groupID, nil, fmt.Errorf("delivery: %s", UnsupportedTarget)
	}

	perWorkerIDs = make(map[string]string, len(targets))
	for _, w := range targets {
		eventID := groupID
		if len(targets) > 1 {
			eventID = groupID + ":" + w.Name()
		}
		perWorkerIDs[w.Name()] = eventID

		d := &delivery{
			record:  Record{EventID: eventID, Worker: w.Name(), State: StateQueued, UpdatedAt: time.Now()},
			message: msg,
		}

		e.mu.Lock()
		e.records[eventID] = &d.record
		q, ok := e.queues[w.Name()]
		if !ok {
			q = &workerQueue{}
			e.queues[w.Name()] = q
		}
		e.mu.Unlock()

		e.publish(events.DeliveryQueued, w.Name(), eventID, nil)

		q.mu.Lock()
		q.pending = append(q.pending, d)
		q.mu.Unlock()

		e.pump(w, q)
	}

	return groupID, perWorkerIDs, nil
}

// statusPollInterval is how often SendAndWait re-checks delivery outcomes
// while waiting for every targeted worker to reach a terminal state.
const statusPollInterval = 50 * time.Millisecond

// SendAndWait behaves like Send but blocks until every targeted worker's
// delivery reaches a terminal state (verified or failed), returning an error
// if none of them verified. Send itself reports success as soon as a target
// is found, with the verified/exhausted outcome only observable later via
// Status; callers like the gateway that need a synchronous exhausted
// signal -- to decide whether to fall back to another delivery path -- use
// this instead.
func (e *Engine) SendAndWait(ctx context.Context, msg Message) (groupID string, perWorkerIDs map[string]string, err error) {
	groupID, perWorkerIDs, err = e.Send(ctx, msg)
	if err != nil {
		return groupID, perWorkerIDs, err
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		allTerminal, anyVerified := e.pollOutcomes(perWorkerIDs)
		if allTerminal {
			if !anyVerified {
				return groupID, perWorkerIDs, fmt.Errorf("delivery: verification exhausted for every target")
			}
			return groupID, perWorkerIDs, nil
		}

		select {
		case <-ctx.Done():
			return groupID, perWorkerIDs, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollOutcomes reports whether every one of ids has reached a terminal
// state, and whether at least one of them verified.
func (e *Engine) pollOutcomes(ids map[string]string) (allTerminal, anyVerified bool) {
	allTerminal = true
	for _, id := range ids {
		rec, ok := e.Status(id)
		if !ok {
			continue
		}
		switch rec.State {
		case StateVerified:
			anyVerified = true
		case StateFailed:
			// terminal, but not verified
		default:
			allTerminal = false
		}
	}
	return allTerminal, anyVerified
}

// Status returns a snapshot of the record for eventID, if known.
func (e *Engine) Status(eventID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[eventID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (e *Engine) resolveTargets(target string) []Worker {
	switch {
	case target == BroadcastTarget:
		return e.registry.ReadyWorkers()
	case strings.HasPrefix(target, ChannelPrefix):
		return e.registry.WorkersInChannel(strings.TrimPrefix(target, ChannelPrefix))
	default:
		w, ok := e.registry.Worker(target)
		if !ok {
			return nil
		}
		return []Worker{w}
	}
}

// pump advances q for worker w: if nothing is in flight, it dequeues the
// next pending delivery and injects it.
func (e *Engine) pump(w Worker, q *workerQueue) {
	q.mu.Lock()
	if q.inFlight != nil || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = d
	q.mu.Unlock()

	go e.inject(w, q, d)
}

func (e *Engine) inject(w Worker, q *workerQueue, d *delivery) {
	d.mu.Lock()
	d.record.Attempts++
	d.record.State = StateInjected
	d.record.UpdatedAt = time.Now()
	attempts := d.record.Attempts
	d.mu.Unlock()
	e.publish(events.DeliveryInjected, w.Name(), d.record.EventID, nil)

	matched := make(chan struct{}, 1)
	var seen strings.Builder
	var seenMu sync.Mutex
	unsub := w.Subscribe(func(chunk []byte) {
		seenMu.Lock()
		seen.Write(ansi.StripBytes(chunk))
		haveMatch := strings.Contains(seen.String(), d.message.Body)
		seenMu.Unlock()
		if haveMatch {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if err := w.WriteInput([]byte(d.message.Body + "\n")); err != nil {
		e.finish(w, q, d, StateFailed, err.Error())
		return
	}

	d.mu.Lock()
	d.record.State = StateActive
	d.mu.Unlock()
	e.publish(events.DeliveryActive, w.Name(), d.record.EventID, nil)

	timer := time.NewTimer(e.verifyWindow)
	defer timer.Stop()

	select {
	case <-matched:
		e.finish(w, q, d, StateVerified, "")
		return
	case <-timer.C:
	}

	if attempts >= MaxAttempts {
		e.finish(w, q, d, StateFailed, "verification timeout: retries exhausted")
		return
	}

	// Requeue at the front for another attempt.
	q.mu.Lock()
	q.inFlight = nil
	q.pending = append([]*delivery{d}, q.pending...)
	q.mu.Unlock()

	e.pump(w, q)
}

func (e *Engine) finish(w Worker, q *workerQueue, d *delivery, final State, errMsg string) {
	d.mu.Lock()
	d.record.State = final
	d.record.Error = errMsg
	d.record.UpdatedAt = time.Now()
	d.mu.Unlock()

	kind := events.DeliveryVerified
	if final == StateFailed {
		kind = events.DeliveryFailed
	}
	data := map[string]any{}
	if errMsg != "" {
		data["error"] = errMsg
	}
	e.publish(kind, w.Name(), d.record.EventID, data)

	q.mu.Lock()
	q.inFlight = nil
	q.mu.Unlock()

	e.pump(w, q)
}

func (e *Engine) publish(kind events.Kind, worker, eventID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["event_id"] = eventID
	e.bus.Publish(events.Event{Kind: kind, Worker: worker, Data: data})
}
