// Package executor implements the four workflow.StepExecutor kinds the
// scheduler dispatches to: an interactive PTY-backed agent step, a one-shot
// non-interactive CLI invocation, a deterministic shell command, and a
// worktree-isolated wrapper around either of the first two.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/agent-relay/relay/internal/ansi"
	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/delivery"
	"github.com/agent-relay/relay/internal/events"
	"github.com/agent-relay/relay/internal/ptyworker"
	"github.com/agent-relay/relay/internal/workflow"
)

var (
	_ workflow.StepExecutor = (*AgentStep)(nil)
	_ workflow.Nudger       = (*AgentStep)(nil)
)

// AgentStep drives a long-lived interactive worker through the broker's
// delivery engine. It appends the PTY worker's exit sentinel to the step's
// task so a cooperative agent can signal completion on its own, mirroring
// the teacher's loop.PromptGenerator template-suffix idea, and implements
// workflow.Nudger directly on top of the worker's idle/exit signals so the
// scheduler can drive the wait/nudge/force-release loop generically. A
// single AgentStep instance is registered once and shared across every
// concurrently running agent step, so every Nudger method takes the target
// worker's name explicitly rather than holding per-step state.
type AgentStep struct {
	Broker *broker.Broker
	Bus    *events.Bus
}

// NewAgentStep creates an AgentStep bound to b, publishing idle/exit
// observations through bus.
func NewAgentStep(b *broker.Broker, bus *events.Bus) *AgentStep {
	return &AgentStep{Broker: b, Bus: bus}
}

// Execute injects the step's task (plus exit sentinel) into the named
// worker and blocks until the worker exits or ctx is done, returning the
// escape-stripped output observed during the injection.
func (a *AgentStep) Execute(ctx context.Context, step *workflow.Step, run *workflow.Run) (string, error) {
	w, ok := a.Broker.PTYWorker(step.Worker)
	if !ok {
		return "", fmt.Errorf("executor: agent step %q: worker %q not registered", step.Name, step.Worker)
	}

	var buf bytes.Buffer
	unsub := w.SubscribeChunks(func(c ptyworker.Chunk) { buf.Write(c.Data) })
	defer unsub()

	task := step.Task + "\n" + ptyworker.ExitSentinel
	if _, _, err := a.Broker.Delivery().Send(ctx, delivery.Message{Target: step.Worker, Body: task}); err != nil {
		return "", fmt.Errorf("executor: agent step %q: injecting task: %w", step.Name, err)
	}

	select {
	case <-w.Done():
		return ansi.Strip(buf.String()), nil
	case <-ctx.Done():
		return ansi.Strip(buf.String()), ctx.Err()
	}
}

// DryRun describes the injection that Execute would perform.
func (a *AgentStep) DryRun(step *workflow.Step, run *workflow.Run) string {
	return fmt.Sprintf("inject into %q: %s (then wait for exit sentinel)", step.Worker, step.Task)
}

// WaitForExit blocks until worker's process has exited or timeout elapses.
func (a *AgentStep) WaitForExit(ctx context.Context, worker string, timeout time.Duration) (bool, error) {
	w, ok := a.Broker.PTYWorker(worker)
	if !ok {
		return false, fmt.Errorf("executor: WaitForExit: worker %q not registered", worker)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.Done():
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitForIdle subscribes to worker_idle events for worker and blocks until
// one arrives or timeout elapses. Events already retained in the bus's
// replay ring are not consulted: only idle signals that occur after the
// call are observed, matching the scheduler's "wait starting now" use.
func (a *AgentStep) WaitForIdle(ctx context.Context, worker string, timeout time.Duration) (bool, error) {
	idle := make(chan struct{}, 1)
	unsub := a.Bus.Subscribe(func(e events.Event) {
		if e.Kind == events.WorkerIdle && e.Worker == worker {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// SendNudge writes a reminder line into worker's standard input via the
// broker's delivery engine, the same injection path Execute itself uses.
func (a *AgentStep) SendNudge(ctx context.Context, worker string, reason string) error {
	_, _, err := a.Broker.Delivery().Send(ctx, delivery.Message{
		Target: worker,
		Body:   fmt.Sprintf("[nudge] %s — please continue or send %s when done.", reason, ptyworker.ExitSentinel),
	})
	return err
}

// ForceRelease releases worker's process group and returns whatever output
// the worker produced before release, escape-stripped.
func (a *AgentStep) ForceRelease(ctx context.Context, worker string) (string, error) {
	w, ok := a.Broker.PTYWorker(worker)
	if !ok {
		return "", fmt.Errorf("executor: ForceRelease: worker %q not registered", worker)
	}

	var buf bytes.Buffer
	unsub := w.SubscribeChunks(func(c ptyworker.Chunk) { buf.Write(c.Data) })
	defer unsub()

	if err := a.Broker.ReleaseAgent(worker, "idle nudge budget exhausted"); err != nil {
		return ansi.Strip(buf.String()), err
	}
	return ansi.Strip(buf.String()), nil
}
