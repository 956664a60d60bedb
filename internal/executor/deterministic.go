package executor

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/agent-relay/relay/internal/review"
	"github.com/agent-relay/relay/internal/workflow"
)

var _ workflow.StepExecutor = (*DeterministicStep)(nil)

// DeterministicStep runs a step's command as a single shell invocation,
// directly grounded on review.VerificationRunner.RunSingle: the same
// sh -c / cmd /c OS branch, stdout/stderr capture, and oversized-output
// truncation apply here, generalized from "a list of build/test commands"
// to "one step's command."
type DeterministicStep struct {
	Logger *log.Logger
}

// NewDeterministicStep creates a DeterministicStep. logger may be nil.
func NewDeterministicStep(logger *log.Logger) *DeterministicStep {
	return &DeterministicStep{Logger: logger}
}

// Execute runs the step's command to completion, respecting ctx's deadline.
// It fails if the command exits non-zero or times out, unless the step's
// SkipExitCheck or AllowFailure flag is set.
func (d *DeterministicStep) Execute(ctx context.Context, step *workflow.Step, run *workflow.Run) (string, error) {
	sd := run.Doc(step.Name)
	command := commandFor(step, sd)
	if command == "" {
		return "", fmt.Errorf("executor: deterministic step %q: no command configured", step.Name)
	}

	runner := review.NewVerificationRunner(nil, step.WorkDir, 0, d.Logger)
	result, err := runner.RunSingle(ctx, command)
	if err != nil {
		return "", fmt.Errorf("executor: deterministic step %q: %w", step.Name, err)
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n" + result.Stderr
	}

	skipExit := sd != nil && (sd.SkipExitCheck || sd.AllowFailure)
	if !result.Passed && !skipExit {
		if result.TimedOut {
			return output, fmt.Errorf("executor: deterministic step %q: command timed out", step.Name)
		}
		return output, fmt.Errorf("executor: deterministic step %q: command exited %d", step.Name, result.ExitCode)
	}
	return output, nil
}

// DryRun returns the shell command that would be executed.
func (d *DeterministicStep) DryRun(step *workflow.Step, run *workflow.Run) string {
	return commandFor(step, run.Doc(step.Name))
}

// commandFor prefers the step document's explicit Command field, falling
// back to the (possibly interpolated) Task, matching how a deterministic
// step may be authored either way in a workflow document.
func commandFor(step *workflow.Step, sd *workflow.StepDoc) string {
	if sd != nil && sd.Command != "" {
		return sd.Command
	}
	return step.Task
}
