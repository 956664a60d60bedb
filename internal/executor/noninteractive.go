package executor

import (
	"context"
	"fmt"

	"github.com/agent-relay/relay/internal/agent"
	"github.com/agent-relay/relay/internal/workflow"
)

var _ workflow.StepExecutor = (*NonInteractiveStep)(nil)

// NonInteractiveStep runs a step's task as a single one-shot invocation of a
// registered agent.Agent CLI adapter (codex, gemini, claude, ...), waiting
// for the process to exit rather than interacting with it over a PTY.
// Per-CLI argument assembly and hard-timeout-via-process-group-kill are
// entirely the registered agent.Agent's own concern (internal/agent/codex.go,
// internal/agent/gemini.go); this executor adapts RunOpts/RunResult to the
// workflow.StepExecutor contract and, since it is the one caller that ever
// sees a RunResult, also owns acting on its rate-limit verdict: it waits out
// an already-recorded limit before dispatching and records a freshly
// detected one so the step's next retry (or a later step on the same
// worker/provider) waits instead of hammering a limited provider.
type NonInteractiveStep struct {
	Agents  *agent.Registry
	limiter *agent.RateLimitCoordinator
}

// NewNonInteractiveStep creates a NonInteractiveStep backed by agents.
func NewNonInteractiveStep(agents *agent.Registry) *NonInteractiveStep {
	return &NonInteractiveStep{
		Agents:  agents,
		limiter: agent.NewRateLimitCoordinator(agent.DefaultBackoffConfig()),
	}
}

// Execute looks up the agent named by step.Worker and runs step.Task as its
// prompt. The step fails if the agent exits non-zero, unless the step's
// SkipExitCheck or AllowFailure flag is set.
func (n *NonInteractiveStep) Execute(ctx context.Context, step *workflow.Step, run *workflow.Run) (string, error) {
	a, err := n.Agents.Get(step.Worker)
	if err != nil {
		return "", fmt.Errorf("executor: non-interactive step %q: %w", step.Name, err)
	}

	if werr := n.limiter.WaitForReset(ctx, a.Name()); werr != nil {
		return "", fmt.Errorf("executor: non-interactive step %q: %w", step.Name, werr)
	}

	sd := run.Doc(step.Name)
	opts := agent.RunOpts{Prompt: step.Task, WorkDir: step.WorkDir}

	result, err := a.Run(ctx, opts)
	if err != nil {
		return "", fmt.Errorf("executor: non-interactive step %q: %w", step.Name, err)
	}

	if result.WasRateLimited() {
		n.limiter.RecordRateLimit(a.Name(), result.RateLimit)
	} else {
		n.limiter.ClearRateLimit(a.Name())
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n" + result.Stderr
	}

	skipExit := sd != nil && (sd.SkipExitCheck || sd.AllowFailure)
	if !result.Success() && !skipExit {
		if result.WasRateLimited() {
			return output, fmt.Errorf("executor: non-interactive step %q: agent %q rate-limited: %s", step.Name, a.Name(), result.RateLimit.Message)
		}
		return output, fmt.Errorf("executor: non-interactive step %q: agent %q exited %d", step.Name, a.Name(), result.ExitCode)
	}
	return output, nil
}

// DryRun returns the command the underlying agent would run.
func (n *NonInteractiveStep) DryRun(step *workflow.Step, run *workflow.Run) string {
	a, err := n.Agents.Get(step.Worker)
	if err != nil {
		return fmt.Sprintf("# unknown agent %q", step.Worker)
	}
	return a.DryRunCommand(agent.RunOpts{Prompt: step.Task, WorkDir: step.WorkDir})
}
