package executor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/agent-relay/relay/internal/workflow"
)

var _ workflow.StepExecutor = (*WorktreeStep)(nil)

// worktreeGit is the subset of *git.GitClient a WorktreeStep depends on.
type worktreeGit interface {
	Worktree(ctx context.Context, branch, path string) error
	RemoveWorktree(ctx context.Context, path string) error
}

// WorktreeStep runs an inner step (agent or deterministic, named by the
// step document's Wraps field) inside an ephemeral `git worktree add`
// checkout, grounded on internal/git/client.go's GitClient. The worktree is
// created before the inner executor runs and removed once the step reaches
// a terminal state, regardless of outcome.
type WorktreeStep struct {
	Git     worktreeGit
	BaseDir string
	Inner   *workflow.Registry
	Logger  *log.Logger
}

// NewWorktreeStep creates a WorktreeStep. baseDir is the parent directory
// under which per-run, per-step worktree checkouts are created. inner
// resolves the Wraps kind to the executor that runs inside the checkout.
func NewWorktreeStep(git worktreeGit, baseDir string, inner *workflow.Registry, logger *log.Logger) *WorktreeStep {
	return &WorktreeStep{Git: git, BaseDir: baseDir, Inner: inner, Logger: logger}
}

// Execute creates the worktree, runs the wrapped executor with the step's
// WorkDir pointed at the checkout, and removes the worktree afterward.
func (w *WorktreeStep) Execute(ctx context.Context, step *workflow.Step, run *workflow.Run) (string, error) {
	sd := run.Doc(step.Name)
	if sd == nil || sd.Wraps == "" {
		return "", fmt.Errorf("executor: worktree step %q: no wraps kind configured", step.Name)
	}

	inner, err := w.Inner.Get(sd.Wraps)
	if err != nil {
		return "", fmt.Errorf("executor: worktree step %q: %w", step.Name, err)
	}

	branch := sd.Branch
	if branch == "" {
		branch = "relay/" + step.Name
	}
	path := filepath.Join(w.BaseDir, run.ID, step.Name)

	if err := w.Git.Worktree(ctx, branch, path); err != nil {
		return "", fmt.Errorf("executor: worktree step %q: %w", step.Name, err)
	}
	defer func() {
		if rerr := w.Git.RemoveWorktree(context.Background(), path); rerr != nil && w.Logger != nil {
			w.Logger.Warn("worktree step: cleanup failed", "step", step.Name, "error", rerr)
		}
	}()

	prevWorkDir := step.WorkDir
	step.WorkDir = path
	defer func() { step.WorkDir = prevWorkDir }()

	return inner.Execute(ctx, step, run)
}

// DryRun describes the worktree that would be created and the inner
// executor's own dry-run description.
func (w *WorktreeStep) DryRun(step *workflow.Step, run *workflow.Run) string {
	sd := run.Doc(step.Name)
	if sd == nil || sd.Wraps == "" {
		return fmt.Sprintf("worktree step %q: no wraps kind configured", step.Name)
	}
	inner, err := w.Inner.Get(sd.Wraps)
	if err != nil {
		return fmt.Sprintf("worktree step %q: %v", step.Name, err)
	}
	path := filepath.Join(w.BaseDir, run.ID, step.Name)
	return fmt.Sprintf("git worktree add %s; %s", path, inner.DryRun(step, run))
}
