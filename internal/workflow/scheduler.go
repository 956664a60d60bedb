package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/agent-relay/relay/internal/ansi"
)

// Nudger is implemented by interactive-step executors that support idle
// nudging. The scheduler drives the wait/nudge/force-release loop; the
// executor supplies the underlying primitives. This generalizes the design
// notes' "promise-based wait helpers re-architect as cancellable blocking
// calls parameterized by an optional timeout" directly into an interface.
// worker identifies which interactive worker each call concerns, since a
// single Nudger implementation is registered once but may be asked to
// service many steps (on different workers) concurrently.
type Nudger interface {
	WaitForExit(ctx context.Context, worker string, timeout time.Duration) (exited bool, err error)
	WaitForIdle(ctx context.Context, worker string, timeout time.Duration) (idle bool, err error)
	SendNudge(ctx context.Context, worker string, reason string) error
	ForceRelease(ctx context.Context, worker string) (capturedOutput string, err error)
}

// Trajectory is implemented by *trajectory.Recorder. Declared here instead
// of importing internal/trajectory directly, since trajectory.Retrospective
// takes a *Run and importing it back would cycle. A Scheduler with no
// Trajectory configured simply skips all of these calls.
type Trajectory interface {
	Chapter(kind, label string)
	Intent(step, task string)
	Started(step string)
	Completed(step, lastLine string)
	Failed(step string, err error)
	Skipped(step, reason string)
	Retry(step string, attempt int)
}

// Scheduler executes workflow documents by repeatedly computing the ready
// set and dispatching it as a bounded-concurrency wave. It replaces the
// teacher's linear Engine: where Engine advanced one CurrentStep at a time
// via a transition map, Scheduler advances a whole ready set at a time via
// each step's DependsOn list.
type Scheduler struct {
	registry      *Registry
	maxConcurrency int
	dryRun        bool
	errorStrategy ErrorStrategy
	events        chan<- WorkflowEvent
	logger        *log.Logger
	runDir        string
	traj          Trajectory

	paused atomic.Bool
}

// SchedulerOption configures a Scheduler, mirroring the teacher's
// EngineOption functional-options pattern.
type SchedulerOption func(*Scheduler)

// WithMaxConcurrency bounds how many steps run in parallel within a single
// wave. Zero or negative means unbounded (spec §4.8 default).
func WithMaxConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) { s.maxConcurrency = n }
}

// WithDryRun enables dry-run mode: the scheduler calls each executor's
// DryRun instead of Execute.
func WithDryRun(dryRun bool) SchedulerOption {
	return func(s *Scheduler) { s.dryRun = dryRun }
}

// WithErrorStrategy overrides the document's own error strategy.
func WithErrorStrategy(strategy ErrorStrategy) SchedulerOption {
	return func(s *Scheduler) { s.errorStrategy = strategy }
}

// WithEventChannel sets the channel the scheduler broadcasts WorkflowEvents
// on, using a non-blocking send so a slow consumer never stalls execution.
func WithEventChannel(ch chan<- WorkflowEvent) SchedulerOption {
	return func(s *Scheduler) { s.events = ch }
}

// WithLogger attaches a charmbracelet/log Logger.
func WithLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithRunDir sets the base directory run-relative file_exists verification
// paths resolve against.
func WithRunDir(dir string) SchedulerOption {
	return func(s *Scheduler) { s.runDir = dir }
}

// WithTrajectory attaches a Trajectory recorder; every chapter and per-step
// lifecycle transition is appended to it as the run progresses.
func WithTrajectory(t Trajectory) SchedulerOption {
	return func(s *Scheduler) { s.traj = t }
}

// NewScheduler creates a Scheduler backed by registry, which must not be nil.
func NewScheduler(registry *Registry, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{registry: registry, errorStrategy: StrategyFailFast}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pause sets the cooperative pause flag; it is sampled between waves.
func (s *Scheduler) Pause() { s.paused.Store(true) }

// Resume clears the cooperative pause flag.
func (s *Scheduler) Resume() { s.paused.Store(false) }

// Run executes a resolved document from an empty Run. It returns the final
// Run and an error only for setup failures (invalid document); step-level
// failures are reflected in Run.Status and Run.Error, not returned here.
func (s *Scheduler) Run(ctx context.Context, doc *Document) (*Run, error) {
	if result := ValidateDocument(doc, s.registry); !result.IsValid() {
		return nil, fmt.Errorf("workflow: invalid document: %s", result.String())
	}

	id := fmt.Sprintf("run-%d", time.Now().UnixNano())
	run := NewRun(id, doc)
	run.Status = RunRunning

	strategy := doc.ErrorStrategy
	if s.errorStrategy != "" {
		strategy = s.errorStrategy
	}
	if strategy == "" {
		strategy = StrategyFailFast
	}

	s.emit(WorkflowEvent{Type: WERunStarted, RunID: id, Message: fmt.Sprintf("run %q started", doc.Name), Timestamp: time.Now()})
	s.log("run started", "run", id, "workflow", doc.Name)
	s.trajChapter("planning", fmt.Sprintf("run %q: %d steps", doc.Name, len(doc.Steps)))

	for !run.AllTerminal() {
		for s.paused.Load() {
			select {
			case <-ctx.Done():
				return s.cancelRemaining(run, ctx.Err()), nil
			case <-time.After(50 * time.Millisecond):
			}
		}

		if err := ctx.Err(); err != nil {
			return s.cancelRemaining(run, err), nil
		}

		ready := readySet(run)
		if len(ready) == 0 {
			// No runnable steps but the run isn't terminal: the remaining
			// pending steps depend (directly or transitively) on a step that
			// failed or was skipped elsewhere. Cascade the skip and let the
			// loop's AllTerminal check settle on the next iteration.
			if !s.cascadePendingSkips(run) {
				return s.cancelRemaining(run, errors.New("workflow: dependency deadlock: no runnable steps remain")), nil
			}
			continue
		}

		names := make([]string, len(ready))
		for i, step := range ready {
			names[i] = step.Name
		}
		s.trajChapter("track", strings.Join(names, ", "))

		if err := s.dispatchWave(ctx, run, ready, strategy); err != nil {
			return s.cancelRemaining(run, err), nil
		}
		if err := ctx.Err(); err != nil {
			return s.cancelRemaining(run, err), nil
		}

		s.trajChapter("convergence", strings.Join(names, ", "))
	}

	run.CompletedAt = time.Now()
	if run.Status == RunRunning {
		run.Status = RunCompleted
		s.emit(WorkflowEvent{Type: WERunCompleted, RunID: id, Message: fmt.Sprintf("run %q completed", doc.Name), Timestamp: time.Now()})
		s.log("run completed", "run", id)
	}

	return run, nil
}

// readySet returns every pending step whose dependencies are all completed.
func readySet(run *Run) []*Step {
	var ready []*Step
	for _, step := range run.Steps {
		if step.Status != StepPending {
			continue
		}
		allDepsDone := true
		for _, dep := range step.DependsOn {
			ds, ok := run.Step(dep)
			if !ok || ds.Status != StepCompleted {
				allDepsDone = false
				break
			}
		}
		if allDepsDone {
			ready = append(ready, step)
		}
	}
	return ready
}

// cascadePendingSkips marks every pending step with a failed or skipped
// dependency as skipped. It returns true if it made progress (so the caller
// should re-loop), false if nothing could be skipped (genuine deadlock).
func (s *Scheduler) cascadePendingSkips(run *Run) bool {
	progressed := false
	for _, step := range run.Steps {
		if step.Status != StepPending {
			continue
		}
		for _, dep := range step.DependsOn {
			ds, ok := run.Step(dep)
			if !ok || ds.Status == StepFailed || ds.Status == StepSkipped {
				s.markSkipped(run, step, fmt.Sprintf("dependency %q did not complete", dep))
				progressed = true
				break
			}
		}
	}
	return progressed
}

// dispatchWave runs every step in ready concurrently, bounded by
// s.maxConcurrency, and waits for the whole wave to settle before returning
// — no step from the next wave may begin before this one is fully terminal.
func (s *Scheduler) dispatchWave(ctx context.Context, run *Run, ready []*Step, strategy ErrorStrategy) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.maxConcurrency > 0 {
		g.SetLimit(s.maxConcurrency)
	}

	for _, step := range ready {
		step := step
		g.Go(func() error {
			s.executeStep(gctx, run, step, strategy)
			return nil
		})
	}

	// errgroup.Wait only ever returns non-nil if a Go func returns an error,
	// which executeStep never does (failures are recorded on the Step, not
	// propagated) — it is called purely to block until the wave settles.
	return g.Wait()
}

// executeStep interpolates the step's task, runs its executor (respecting
// the step's timeout), verifies the result, and records the outcome —
// retrying up to the step's retry budget before cascading a skip to every
// transitive dependent.
func (s *Scheduler) executeStep(ctx context.Context, run *Run, step *Step, strategy ErrorStrategy) {
	sd := findStepDoc(run.Document, step.Name)

	step.Status = StepRunning
	step.StartedAt = time.Now()
	s.emit(WorkflowEvent{Type: WEStepStarted, RunID: run.ID, Step: step.Name, Timestamp: time.Now()})
	s.trajStarted(step.Name)

	executor, err := s.registry.Get(step.Kind)
	if err != nil {
		s.markFailed(run, step, strategy, err)
		return
	}

	task, err := interpolateStepsTokens(step.Task, run)
	if err != nil {
		s.markFailed(run, step, strategy, err)
		return
	}
	step.Task = task
	s.trajIntent(step.Name, task)

	maxAttempts := 1
	if sd != nil {
		maxAttempts += sd.Retries
	}

	var lastErr error
	var output string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			step.RetryCount = attempt - 1
			s.trajRetry(step.Name, step.RetryCount)
		}

		if sd != nil && sd.TimeoutSeconds != nil && *sd.TimeoutSeconds == 0 {
			lastErr = fmt.Errorf("workflow: step %q timeout is zero", step.Name)
			break
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if sd != nil && sd.TimeoutSeconds != nil && *sd.TimeoutSeconds > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, time.Duration(*sd.TimeoutSeconds)*time.Second)
		}

		if s.dryRun {
			output = executor.DryRun(step, run)
			lastErr = nil
			if cancel != nil {
				cancel()
			}
			break
		}

		if nudger, ok := executor.(Nudger); ok && sd != nil && sd.Nudge != nil {
			output, lastErr = s.runWithNudge(stepCtx, run, step, sd, nudger, executor)
		} else {
			output, lastErr = executor.Execute(stepCtx, step, run)
		}
		if cancel != nil {
			cancel()
		}

		// checkVerify normally only runs once the executor itself reports
		// success, but a file_exists check must still get a chance to run
		// (and override lastErr) after a timeout: the file can exist on disk
		// even though the executor returned a deadline error.
		verifyNeeded := lastErr == nil || (sd != nil && sd.Verify != nil && sd.Verify.Kind == VerifyFileExists)
		if verifyNeeded {
			if verr := s.checkVerify(sd, step, output, lastErr); verr != nil {
				lastErr = verr
			} else if lastErr != nil && sd.Verify.Kind == VerifyFileExists {
				lastErr = nil
			}
		}

		if lastErr == nil {
			break
		}
	}

	step.EndedAt = time.Now()

	if lastErr != nil {
		step.Output = output
		s.markFailed(run, step, strategy, lastErr)
		return
	}

	step.Output = ansi.Strip(output)
	step.Status = StepCompleted
	s.emit(WorkflowEvent{Type: WEStepCompleted, RunID: run.ID, Step: step.Name, Timestamp: time.Now()})
	s.log("step completed", "step", step.Name)
	s.trajCompleted(step.Name, ansi.LastLine(step.Output))
}

// runWithNudge runs the step while polling wait_for_idle, sending a bounded
// number of reminder nudges, then force-releasing the worker once the nudge
// budget is exhausted.
func (s *Scheduler) runWithNudge(ctx context.Context, run *Run, step *Step, sd *StepDoc, nudger Nudger, executor StepExecutor) (string, error) {
	nudgeAfter, _ := time.ParseDuration(sd.Nudge.NudgeAfter)
	escalateAfter, _ := time.ParseDuration(sd.Nudge.EscalateAfter)
	maxNudges := sd.Nudge.MaxNudges

	resultCh := make(chan struct {
		output string
		err    error
	}, 1)
	go func() {
		out, err := executor.Execute(ctx, step, run)
		resultCh <- struct {
			output string
			err    error
		}{out, err}
	}()

	nudges := 0
	for {
		select {
		case res := <-resultCh:
			return res.output, res.err
		case <-ctx.Done():
			return nudger.ForceRelease(context.Background(), step.Worker)
		case <-time.After(nudgeAfter):
		}

		idle, err := nudger.WaitForIdle(ctx, step.Worker, escalateAfter)
		if err != nil || !idle {
			continue
		}

		if nudges >= maxNudges {
			out, _ := nudger.ForceRelease(context.Background(), step.Worker)
			s.emit(WorkflowEvent{Type: WEStepForceReleased, RunID: run.ID, Step: step.Name, Timestamp: time.Now()})
			s.log("step force-released", "step", step.Name)
			return out, nil
		}

		reason := fmt.Sprintf("idle for %s, nudge %d/%d", escalateAfter, nudges+1, maxNudges)
		if nerr := nudger.SendNudge(ctx, step.Worker, reason); nerr == nil {
			nudges++
			s.emit(WorkflowEvent{Type: WEStepNudged, RunID: run.ID, Step: step.Name, Message: reason, Timestamp: time.Now()})
			s.log("step nudged", "step", step.Name, "count", nudges)
		}
	}
}

// checkVerify applies the step's verification check (if any) to the
// executor's output. It implements the file_exists timeout safety net: a
// step whose only failure is a context deadline, but whose expected file is
// present, still succeeds.
func (s *Scheduler) checkVerify(sd *StepDoc, step *Step, output string, execErr error) error {
	if sd == nil || sd.Verify == nil {
		return nil
	}
	v := sd.Verify

	switch v.Kind {
	case VerifyOutputContains:
		if !strings.Contains(ansi.Strip(output), v.Contains) {
			return fmt.Errorf("verification failed: output does not contain %q", v.Contains)
		}
	case VerifyExitCode:
		if execErr != nil {
			return fmt.Errorf("verification failed: %w", execErr)
		}
	case VerifyFileExists:
		path := v.Path
		if !filepath.IsAbs(path) && s.runDir != "" {
			path = filepath.Join(s.runDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("verification failed: file %q not found: %w", path, err)
		}
	case VerifyCustom:
		// Reserved for external validators; a no-op in this runner.
	}
	return nil
}

// markFailed records step as failed and cascades a skip to every transitive
// dependent. Per the recorded DESIGN.md decision, fail-fast and continue
// behave identically here: both skip the full dependent subtree.
func (s *Scheduler) markFailed(run *Run, step *Step, strategy ErrorStrategy, err error) {
	step.Status = StepFailed
	step.Error = err.Error()
	s.emit(WorkflowEvent{Type: WEStepFailed, RunID: run.ID, Step: step.Name, Error: err.Error(), Timestamp: time.Now()})
	s.log("step failed", "step", step.Name, "error", err)
	s.trajFailed(step.Name, err)

	s.cascadeSkip(run, step.Name)

	if run.Status == RunRunning {
		run.Status = RunFailed
		run.Error = fmt.Sprintf("step %q failed: %v", step.Name, err)
		s.emit(WorkflowEvent{Type: WERunFailed, RunID: run.ID, Message: run.Error, Timestamp: time.Now()})
	}
}

// markSkipped records step as skipped for reason.
func (s *Scheduler) markSkipped(run *Run, step *Step, reason string) {
	step.Status = StepSkipped
	step.Error = reason
	s.emit(WorkflowEvent{Type: WEStepSkipped, RunID: run.ID, Step: step.Name, Message: reason, Timestamp: time.Now()})
	s.trajSkipped(step.Name, reason)
}

// cascadeSkip marks every transitive dependent of name as skipped via a
// breadth-first walk.
func (s *Scheduler) cascadeSkip(run *Run, name string) {
	queue := run.dependentsOf(name)
	seen := make(map[string]bool)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true

		step, ok := run.Step(n)
		if !ok || step.Status != StepPending {
			continue
		}
		s.markSkipped(run, step, fmt.Sprintf("upstream step %q failed", name))
		queue = append(queue, run.dependentsOf(n)...)
	}
}

// cancelRemaining marks every non-terminal step skipped and the run
// cancelled, satisfying the cancellation-liveness property: every step
// reaches a terminal state within the shutdown grace window.
func (s *Scheduler) cancelRemaining(run *Run, cause error) *Run {
	for _, step := range run.Steps {
		if step.Status == StepPending || step.Status == StepRunning {
			s.markSkipped(run, step, "run cancelled")
		}
	}
	run.Status = RunCancelled
	run.CompletedAt = time.Now()
	if cause != nil {
		run.Error = cause.Error()
	}
	s.emit(WorkflowEvent{Type: WERunCancelled, RunID: run.ID, Message: run.Error, Timestamp: time.Now()})
	s.log("run cancelled", "run", run.ID, "cause", cause)
	return run
}

var stepsTokenRe = regexp.MustCompile(`\{\{steps\.([A-Za-z0-9_-]+)\.output\}\}`)

// interpolateStepsTokens resolves every `{{steps.X.output}}` token in s using
// completed step outputs from run. It errors if a token references a step
// that has not reached StepCompleted.
func interpolateStepsTokens(s string, run *Run) (string, error) {
	if s == "" || !strings.Contains(s, "{{steps.") {
		return s, nil
	}

	var setupErr error
	out := stepsTokenRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := stepsTokenRe.FindStringSubmatch(match)
		name := sub[1]
		output, ok := run.StepOutput(name)
		if !ok {
			setupErr = fmt.Errorf("workflow: template references incomplete step %q", name)
			return match
		}
		return ansi.Strip(output)
	})
	if setupErr != nil {
		return "", setupErr
	}
	return out, nil
}

func findStepDoc(doc *Document, name string) *StepDoc {
	for i := range doc.Steps {
		if doc.Steps[i].Name == name {
			return &doc.Steps[i]
		}
	}
	return nil
}

func (s *Scheduler) emit(ev WorkflowEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

func (s *Scheduler) log(msg string, kvs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Info(msg, kvs...)
}

func (s *Scheduler) trajChapter(kind, label string) {
	if s.traj != nil {
		s.traj.Chapter(kind, label)
	}
}

func (s *Scheduler) trajIntent(step, task string) {
	if s.traj != nil {
		s.traj.Intent(step, task)
	}
}

func (s *Scheduler) trajStarted(step string) {
	if s.traj != nil {
		s.traj.Started(step)
	}
}

func (s *Scheduler) trajCompleted(step, lastLine string) {
	if s.traj != nil {
		s.traj.Completed(step, lastLine)
	}
}

func (s *Scheduler) trajFailed(step string, err error) {
	if s.traj != nil {
		s.traj.Failed(step, err)
	}
}

func (s *Scheduler) trajSkipped(step, reason string) {
	if s.traj != nil {
		s.traj.Skipped(step, reason)
	}
}

func (s *Scheduler) trajRetry(step string, attempt int) {
	if s.traj != nil {
		s.traj.Retry(step, attempt)
	}
}
