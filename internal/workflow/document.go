// Package workflow implements the DAG scheduler: a workflow document is
// parsed into a graph of named steps with dependencies, then dispatched wave
// by wave, bounded by a configurable concurrency limit.
//
// This generalizes the teacher's linear, single-current-step engine
// (transition-map StepDefinition driving a lone CurrentStep) into a true
// DAG: steps carry explicit DependsOn lists instead of event-keyed
// transitions, and the scheduler advances a whole ready set per wave instead
// of one step at a time.
package workflow

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// StepKind discriminates the executor a step dispatches to.
type StepKind string

const (
	StepKindAgent         StepKind = "agent"
	StepKindNonInteractive StepKind = "non_interactive"
	StepKindDeterministic StepKind = "deterministic"
	StepKindWorktree      StepKind = "worktree"
)

// ErrorStrategy controls how a failed step's dependents are treated.
type ErrorStrategy string

const (
	// StrategyFailFast marks every transitive dependent of a failed step as
	// skipped.
	StrategyFailFast ErrorStrategy = "fail-fast"

	// StrategyContinue is documented as skipping only direct dependents, but
	// per the recorded decision in DESIGN.md it behaves identically to
	// fail-fast: every transitive dependent is skipped via the same
	// breadth-first walk.
	StrategyContinue ErrorStrategy = "continue"

	// StrategyRetry retries the step at the step level until its retry
	// budget is exhausted, then degrades to fail-fast semantics.
	StrategyRetry ErrorStrategy = "retry"
)

// VerifyKind discriminates a step's post-execution check.
type VerifyKind string

const (
	VerifyOutputContains VerifyKind = "output_contains"
	VerifyExitCode       VerifyKind = "exit_code"
	VerifyFileExists     VerifyKind = "file_exists"
	VerifyCustom         VerifyKind = "custom"
)

// Verify describes a single post-hoc check run over an executor's result.
type Verify struct {
	Kind VerifyKind `yaml:"kind" toml:"kind" json:"kind"`

	// Contains is the literal substring expected in the step's output, for
	// VerifyOutputContains.
	Contains string `yaml:"contains,omitempty" toml:"contains,omitempty" json:"contains,omitempty"`

	// Path is the file path checked for VerifyFileExists; relative paths are
	// resolved against the run's working directory.
	Path string `yaml:"path,omitempty" toml:"path,omitempty" json:"path,omitempty"`
}

// Nudge configures idle nudging for an interactive PTY step.
type Nudge struct {
	NudgeAfter    string `yaml:"nudge_after,omitempty" toml:"nudge_after,omitempty" json:"nudge_after,omitempty"`
	MaxNudges     int    `yaml:"max_nudges,omitempty" toml:"max_nudges,omitempty" json:"max_nudges,omitempty"`
	EscalateAfter string `yaml:"escalate_after,omitempty" toml:"escalate_after,omitempty" json:"escalate_after,omitempty"`
	Hub           string `yaml:"hub,omitempty" toml:"hub,omitempty" json:"hub,omitempty"`
}

// StepDoc is a single node as parsed from a workflow document, before DAG
// construction. It plays the role the teacher's StepDefinition played for
// the linear engine, but DependsOn replaces the event-keyed Transitions map.
type StepDoc struct {
	Name          string        `yaml:"name" toml:"name" json:"name"`
	Kind          StepKind      `yaml:"kind" toml:"kind" json:"kind"`
	DependsOn     []string      `yaml:"depends_on,omitempty" toml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Worker        string        `yaml:"worker,omitempty" toml:"worker,omitempty" json:"worker,omitempty"`
	Command       string        `yaml:"command,omitempty" toml:"command,omitempty" json:"command,omitempty"`
	Task          string        `yaml:"task,omitempty" toml:"task,omitempty" json:"task,omitempty"`

	// TimeoutSeconds is a pointer so an explicit 0 (fail immediately, per
	// spec §8's boundary behavior) is distinguishable from "unset" (no
	// timeout).
	TimeoutSeconds *int `yaml:"timeout_seconds,omitempty" toml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Retries       int           `yaml:"retries,omitempty" toml:"retries,omitempty" json:"retries,omitempty"`
	Verify        *Verify       `yaml:"verify,omitempty" toml:"verify,omitempty" json:"verify,omitempty"`
	Nudge         *Nudge        `yaml:"nudge,omitempty" toml:"nudge,omitempty" json:"nudge,omitempty"`
	AllowFailure  bool          `yaml:"allow_failure,omitempty" toml:"allow_failure,omitempty" json:"allow_failure,omitempty"`
	SkipExitCheck bool          `yaml:"skip_exit_check,omitempty" toml:"skip_exit_check,omitempty" json:"skip_exit_check,omitempty"`

	// Wraps names the step kind to run inside the ephemeral checkout, for
	// kind: worktree steps. Required and meaningless otherwise.
	Wraps StepKind `yaml:"wraps,omitempty" toml:"wraps,omitempty" json:"wraps,omitempty"`

	// Branch is the worktree branch name for kind: worktree steps. Defaults
	// to "relay/<step name>" when empty.
	Branch string `yaml:"branch,omitempty" toml:"branch,omitempty" json:"branch,omitempty"`
}

// Document is a parsed workflow document, unresolved: variables in Task and
// Command fields still contain `{{name}}` and `{{steps.X.output}}` tokens.
type Document struct {
	Name          string            `yaml:"name" toml:"name" json:"name"`
	SwarmPattern  string            `yaml:"swarm_pattern,omitempty" toml:"swarm_pattern,omitempty" json:"swarm_pattern,omitempty"`
	MaxConcurrency int              `yaml:"max_concurrency,omitempty" toml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	ErrorStrategy ErrorStrategy     `yaml:"error_strategy,omitempty" toml:"error_strategy,omitempty" json:"error_strategy,omitempty"`
	Variables     map[string]string `yaml:"variables,omitempty" toml:"variables,omitempty" json:"variables,omitempty"`
	Steps         []StepDoc         `yaml:"steps" toml:"steps" json:"steps"`
}

// ParseYAML parses a YAML-encoded workflow document.
func ParseYAML(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow: parsing yaml document: %w", err)
	}
	return &doc, nil
}

// ParseTOML parses a TOML-encoded workflow document, the teacher-style
// inline variant.
func ParseTOML(data []byte) (*Document, error) {
	var doc Document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("workflow: parsing toml document: %w", err)
	}
	return &doc, nil
}

// Resolve performs the first interpolation pass: every `{{name}}` token in a
// step's Task or Command field is replaced using vars, falling back to
// doc.Variables. It returns a new Document; the receiver is left untouched.
// Tokens of the form `{{steps.X.output}}` are deliberately left untouched —
// those are resolved lazily by the scheduler, per step, at dispatch time.
func (d *Document) Resolve(vars map[string]string) *Document {
	merged := make(map[string]string, len(d.Variables)+len(vars))
	for k, v := range d.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	out := *d
	out.Steps = make([]StepDoc, len(d.Steps))
	for i, sd := range d.Steps {
		sd.Task = substituteNameTokens(sd.Task, merged)
		sd.Command = substituteNameTokens(sd.Command, merged)
		out.Steps[i] = sd
	}
	return &out
}

// substituteNameTokens replaces every `{{name}}` token with vars[name],
// leaving `{{steps....}}` tokens untouched for the scheduler's second pass.
func substituteNameTokens(s string, vars map[string]string) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	for name, val := range vars {
		s = strings.ReplaceAll(s, "{{"+name+"}}", val)
	}
	return s
}
