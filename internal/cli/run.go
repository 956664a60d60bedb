package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/agent"
	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/config"
	"github.com/agent-relay/relay/internal/events"
	"github.com/agent-relay/relay/internal/executor"
	"github.com/agent-relay/relay/internal/git"
	"github.com/agent-relay/relay/internal/logging"
	"github.com/agent-relay/relay/internal/review"
	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/internal/workflow"
)

// defaultRunStorePath is where a run's durable history is appended: the JSONL
// run/step journal that the resume command also reads.
const defaultRunStorePath = ".relay/runs.jsonl"

// runFlags holds parsed flag values for the run command.
type runFlags struct {
	// WorkflowName asserts the document's declared name, failing fast on a
	// mismatch so the wrong file can't be run by accident.
	WorkflowName string

	// ResumeRunID reports a previously persisted run's status instead of
	// starting a new one.
	ResumeRunID string

	// Validate checks the document's structure and exits without running it.
	Validate bool
}

// newRunCmd creates the "relay run" command.
func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <workflow-path>",
		Short: "Run a workflow document through the DAG scheduler",
		Long: `Parse a workflow document (YAML or TOML), resolve its variables, validate
its step graph, and drive it through the DAG scheduler: agent steps spawn on
the broker, non-interactive and deterministic steps run inline, and worktree
steps checkout an ephemeral branch for their wrapped step. Run and step state
is appended to the run store as the run progresses.`,
		Example: `  # Run a workflow from a YAML file
  relay run workflows/release.yaml

  # Validate a workflow document without running it
  relay run workflows/release.yaml --validate

  # Show the dispatch plan without executing
  relay run workflows/release.yaml --dry-run

  # Check on a previously persisted run
  relay run workflows/release.yaml --resume run-1730000000000000000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVar(&flags.WorkflowName, "workflow", "", "Expected workflow name; fails if the document is named differently")
	cmd.Flags().StringVar(&flags.ResumeRunID, "resume", "", "Report the status of a previously persisted run instead of starting a new one")
	cmd.Flags().BoolVar(&flags.Validate, "validate", false, "Validate the workflow document and exit without running it")

	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

// runWorkflow is the RunE implementation for the run command.
func runWorkflow(cmd *cobra.Command, path string, flags runFlags) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("run: reading workflow document %q: %w", path, err)
	}

	doc, err := parseWorkflowDocument(path, data)
	if err != nil {
		return err
	}
	if flags.WorkflowName != "" && doc.Name != flags.WorkflowName {
		return fmt.Errorf("run: document %q is named %q, expected %q", path, doc.Name, flags.WorkflowName)
	}

	resolved, _, err := loadAndResolveConfig()
	if err != nil {
		return err
	}

	doc = doc.Resolve(nil)

	logger := logging.New("run")
	registry, brk, err := buildExecutorRegistry(resolved, logger)
	if err != nil {
		return err
	}

	if result := workflow.ValidateDocument(doc, registry); !result.IsValid() {
		fmt.Fprint(cmd.ErrOrStderr(), result.String())
		return fmt.Errorf("run: workflow document failed validation")
	}

	if flags.Validate {
		fmt.Fprintln(cmd.OutOrStdout(), "workflow document is valid")
		return nil
	}

	runStore, err := store.NewJSONLFile(defaultRunStorePath)
	if err != nil {
		return fmt.Errorf("run: opening run store %q: %w", defaultRunStorePath, err)
	}

	if flags.ResumeRunID != "" {
		return reportResumeStatus(cmd, runStore, flags.ResumeRunID)
	}

	if flagDryRun || os.Getenv("DRY_RUN") != "" {
		return printDryRunPlan(cmd, doc)
	}

	if err := spawnWorkersForDocument(brk, doc, resolved, logger); err != nil {
		return fmt.Errorf("run: spawning workers: %w", err)
	}

	maxConcurrency := resolved.Config.Workflow.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	eventCh := make(chan workflow.WorkflowEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range eventCh {
			logWorkflowEvent(logger, ev)
		}
	}()

	scheduler := workflow.NewScheduler(registry,
		workflow.WithMaxConcurrency(maxConcurrency),
		workflow.WithLogger(logger),
		workflow.WithEventChannel(eventCh),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run, runErr := scheduler.Run(ctx, doc)
	close(eventCh)
	<-done
	releaseWorkers(brk, "run finished")

	if run != nil {
		if persistErr := persistRun(runStore, run); persistErr != nil {
			logger.Error("persisting run", "run_id", run.ID, "error", persistErr)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}

	fmt.Fprint(cmd.OutOrStdout(), buildVerificationReport(doc, run).FormatReport())

	switch run.Status {
	case workflow.RunCancelled:
		fmt.Fprintln(cmd.ErrOrStderr(), "\nworkflow run cancelled")
		os.Exit(130)
	case workflow.RunCompleted:
		fmt.Fprintf(cmd.OutOrStdout(), "run %q completed\n", run.ID)
		return nil
	default:
		return fmt.Errorf("run: workflow %q (run %q) did not complete: %s", doc.Name, run.ID, run.Error)
	}
	return nil
}

// buildVerificationReport adapts a completed run's steps into a
// review.VerificationReport, in document order, so the same pass/fail
// terminal summary the teacher prints for a list of build/test commands
// applies here to a workflow's steps: each step's Output stands in for
// captured stdout/stderr and its Status for the command's exit outcome.
func buildVerificationReport(doc *workflow.Document, run *workflow.Run) *review.VerificationReport {
	results := make([]review.CommandResult, 0, len(doc.Steps))
	passed, failed := 0, 0

	for _, sd := range doc.Steps {
		step, ok := run.Steps[sd.Name]
		if !ok {
			continue
		}

		command := sd.Command
		if command == "" {
			command = sd.Task
		}
		if command == "" {
			command = sd.Name
		}

		ok = step.Status == workflow.StepCompleted
		timedOut := step.Status == workflow.StepFailed && step.Error != "" && containsTimeout(step.Error)
		exitCode := 0
		if !ok {
			exitCode = 1
		}

		results = append(results, review.CommandResult{
			Command:  command,
			ExitCode: exitCode,
			Stdout:   step.Output,
			Stderr:   step.Error,
			Duration: step.EndedAt.Sub(step.StartedAt),
			Passed:   ok,
			TimedOut: timedOut,
		})

		if ok {
			passed++
		} else {
			failed++
		}
	}

	status := review.VerificationPassed
	if failed > 0 {
		status = review.VerificationFailed
	}

	return &review.VerificationReport{
		Status:   status,
		Results:  results,
		Duration: run.CompletedAt.Sub(run.StartedAt),
		Passed:   passed,
		Failed:   failed,
		Total:    passed + failed,
	}
}

// containsTimeout is a narrow heuristic for flagging a step's report entry as
// timed out rather than merely failed, based on the error text the scheduler
// and executors already produce for deadline-exceeded cases.
func containsTimeout(errText string) bool {
	return strings.Contains(errText, "timed out") || strings.Contains(errText, "timeout") || strings.Contains(errText, "deadline")
}

// parseWorkflowDocument dispatches to ParseYAML or ParseTOML by path
// extension, defaulting to YAML for unrecognized extensions since it's the
// more common authoring format for workflow documents.
func parseWorkflowDocument(path string, data []byte) (*workflow.Document, error) {
	switch ext(path) {
	case ".toml":
		doc, err := workflow.ParseTOML(data)
		if err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
		return doc, nil
	default:
		doc, err := workflow.ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
		return doc, nil
	}
}

func ext(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

// buildExecutorRegistry wires every workflow.StepExecutor kind to a fresh
// broker and agent registry, registering the worktree kind last since it
// wraps the other three via its own inner registry. It returns the broker
// too, since the caller must spawn each agent step's named worker onto it
// before the run starts.
func buildExecutorRegistry(resolved *config.ResolvedConfig, logger *log.Logger) (*workflow.Registry, *broker.Broker, error) {
	agents := agent.NewRegistry()
	for _, a := range []agent.Agent{
		agent.NewClaudeAgent(agent.AgentConfig{}, logger),
		agent.NewCodexAgent(agent.AgentConfig{}, logger),
		agent.NewGeminiAgent(agent.AgentConfig{}),
	} {
		if err := agents.Register(a); err != nil {
			return nil, nil, fmt.Errorf("run: registering agent %q: %w", a.Name(), err)
		}
	}

	bus := events.NewBus(events.DefaultRingSize)
	brk := broker.New(context.Background(), bus)

	inner := workflow.NewRegistry()
	inner.Register(workflow.StepKindAgent, executor.NewAgentStep(brk, bus))
	inner.Register(workflow.StepKindNonInteractive, executor.NewNonInteractiveStep(agents))
	inner.Register(workflow.StepKindDeterministic, executor.NewDeterministicStep(logger))

	registry := workflow.NewRegistry()
	registry.Register(workflow.StepKindAgent, executor.NewAgentStep(brk, bus))
	registry.Register(workflow.StepKindNonInteractive, executor.NewNonInteractiveStep(agents))
	registry.Register(workflow.StepKindDeterministic, executor.NewDeterministicStep(logger))

	if gitClient, err := git.NewGitClient("."); err == nil {
		registry.Register(workflow.StepKindWorktree, executor.NewWorktreeStep(gitClient, ".relay/worktrees", inner, logger))
	} else {
		logger.Debug("worktree steps unavailable", "error", err)
	}

	return registry, brk, nil
}

// spawnWorkersForDocument spawns one broker worker per distinct Worker name
// referenced by an agent-kind step, using the worker name itself as the CLI
// command (e.g. a step worker named "claude" spawns the claude CLI).
func spawnWorkersForDocument(brk *broker.Broker, doc *workflow.Document, resolved *config.ResolvedConfig, logger *log.Logger) error {
	idleThreshold, err := time.ParseDuration(resolved.Config.Broker.IdleThreshold)
	if err != nil {
		idleThreshold = 5 * time.Minute
	}
	restart, err := restartPolicyFromConfig(resolved.Config.Broker.Restart)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, sd := range doc.Steps {
		if sd.Kind != workflow.StepKindAgent || sd.Worker == "" || seen[sd.Worker] {
			continue
		}
		seen[sd.Worker] = true

		if _, err := brk.SpawnAgent(broker.SpawnOpts{
			Name:          sd.Worker,
			Command:       sd.Worker,
			IdleThreshold: idleThreshold,
			Restart:       restart,
		}); err != nil {
			return fmt.Errorf("spawning worker %q: %w", sd.Worker, err)
		}
		logger.Info("worker spawned", "worker", sd.Worker)
	}
	return nil
}

// releaseWorkers releases every worker still registered on brk, best-effort.
func releaseWorkers(brk *broker.Broker, reason string) {
	for _, status := range brk.List() {
		_ = brk.ReleaseAgent(status.Name, reason)
	}
}

// restartPolicyFromConfig converts a RestartConfig's string durations into a
// broker.RestartPolicy, used when spawning run workers.
func restartPolicyFromConfig(rc config.RestartConfig) (broker.RestartPolicy, error) {
	base, err := time.ParseDuration(rc.BaseDelay)
	if err != nil {
		base = time.Second
	}
	max, err := time.ParseDuration(rc.MaxDelay)
	if err != nil {
		max = 30 * time.Second
	}
	return broker.RestartPolicy{
		Mode:         broker.RestartMode(rc.Mode),
		MaxAttempts:  rc.MaxAttempts,
		BaseDelay:    base,
		MaxDelay:     max,
		JitterFactor: rc.JitterFactor,
	}, nil
}

// printDryRunPlan formats doc's wave-by-wave dispatch plan without running
// anything.
func printDryRunPlan(cmd *cobra.Command, doc *workflow.Document) error {
	styled := !flagNoColor
	formatter := workflow.NewDryRunFormatter(cmd.OutOrStdout(), styled)
	outputs := make(map[string]string, len(doc.Steps))
	for _, sd := range doc.Steps {
		outputs[sd.Name] = fmt.Sprintf("%s %s", sd.Kind, sd.Task+sd.Command)
	}
	formatter.Write(formatter.FormatDocumentDryRun(doc, outputs))
	return nil
}

// persistRun appends the run and every one of its steps to store.
func persistRun(s *store.JSONLFile, run *workflow.Run) error {
	if err := s.InsertRun(run); err != nil {
		return err
	}
	for _, step := range run.Steps {
		if err := s.InsertStep(step); err != nil {
			return err
		}
	}
	return nil
}

// reportResumeStatus prints the persisted status of runID without
// re-executing it: the scheduler always starts a run from a clean slate, so
// "resuming" a run that didn't complete means reporting where it left off,
// not continuing it step-by-step.
func reportResumeStatus(cmd *cobra.Command, s *store.JSONLFile, runID string) error {
	runs, err := s.LoadRuns()
	if err != nil {
		return fmt.Errorf("run: loading run store: %w", err)
	}
	run, ok := runs[runID]
	if !ok {
		return fmt.Errorf("run: no persisted run found with ID %q", runID)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %q: workflow %q, status %s\n", run.ID, run.WorkflowName, run.Status)
	for name, step := range run.Steps {
		fmt.Fprintf(out, "  %s: %s\n", name, step.Status)
	}

	switch run.Status {
	case workflow.RunCompleted:
		return nil
	case workflow.RunRunning, workflow.RunPending:
		return fmt.Errorf("run: %q is not in a terminal state; re-run it from scratch with relay run", runID)
	default:
		return fmt.Errorf("run: %q ended as %s: %s", runID, run.Status, run.Error)
	}
}

// logWorkflowEvent writes a structured log line for a scheduler event.
func logWorkflowEvent(logger *log.Logger, ev workflow.WorkflowEvent) {
	if ev.Error != "" {
		logger.Error(ev.Message, "type", ev.Type, "run", ev.RunID, "step", ev.Step, "error", ev.Error)
		return
	}
	logger.Info(ev.Message, "type", ev.Type, "run", ev.RunID, "step", ev.Step)
}
