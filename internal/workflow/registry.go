package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrExecutorNotFound is returned by Registry.Get when no executor is
// registered for the requested step kind.
var ErrExecutorNotFound = errors.New("step executor not found")

// StepExecutor is the interface every step kind must implement. It is the
// scheduler's sole extension point, playing the role the teacher's
// StepHandler played for the linear engine: Execute replaces the handler's
// Execute(ctx, state)→(event, error) with Execute(ctx, step, run)→(output,
// error), since a DAG step's outcome is "produced this output, or failed"
// rather than "picked this named transition."
type StepExecutor interface {
	// Execute runs the step to completion (or failure) and returns its
	// captured, interpolated output for downstream template substitution.
	Execute(ctx context.Context, step *Step, run *Run) (output string, err error)

	// DryRun returns a human-readable description of what Execute would do,
	// without performing any side effects.
	DryRun(step *Step, run *Run) string
}

// Registry maps step kinds to their StepExecutor implementations. Built at
// program startup (single-threaded), mirroring the teacher's handler
// Registry — renamed in scope from "step name" to "step kind" since a DAG
// step's dispatch key is its kind, not its identity.
type Registry struct {
	executors map[string]StepExecutor
}

// NewRegistry creates a new, empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]StepExecutor)}
}

// Register adds executor under kind. It panics if executor is nil or kind is
// already registered — both are startup programming errors.
func (r *Registry) Register(kind StepKind, executor StepExecutor) {
	if executor == nil {
		panic("workflow: Register called with nil executor")
	}
	if kind == "" {
		panic("workflow: Register called with empty step kind")
	}
	if _, exists := r.executors[string(kind)]; exists {
		panic(fmt.Sprintf("workflow: executor for kind %q is already registered", kind))
	}
	r.executors[string(kind)] = executor
}

// Get returns the StepExecutor registered under kind.
func (r *Registry) Get(kind StepKind) (StepExecutor, error) {
	e, ok := r.executors[string(kind)]
	if !ok {
		return nil, fmt.Errorf("kind %q: %w", kind, ErrExecutorNotFound)
	}
	return e, nil
}

// Has reports whether an executor is registered under kind (by its raw
// string form, so Registry.Has can also be used from validation code that
// only has the string on hand).
func (r *Registry) Has(kind string) bool {
	_, ok := r.executors[kind]
	return ok
}

// List returns the registered step kinds in alphabetical order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.executors))
	for k := range r.executors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
