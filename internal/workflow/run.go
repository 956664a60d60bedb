package workflow

import "time"

// RunStatus enumerates a Run's lifecycle per spec §3 "Run".
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepStatus enumerates a Step's lifecycle per spec §3 "Step".
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is a single DAG node's runtime state — the mutable counterpart to the
// immutable StepDoc it was built from. This replaces the teacher's
// StepRecord (an append-only log entry for a single CurrentStep) with a
// persistent per-node record, since every step in a DAG has independent
// state rather than there being one "current" step at a time.
type Step struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Kind       StepKind   `json:"kind"`
	Worker     string     `json:"worker,omitempty"`
	DependsOn  []string   `json:"depends_on,omitempty"`
	Status     StepStatus `json:"status"`
	Task       string     `json:"task,omitempty"`
	WorkDir    string     `json:"work_dir,omitempty"`
	Output     string     `json:"output,omitempty"`
	RetryCount int        `json:"retry_count"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	EndedAt    time.Time  `json:"ended_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Run is a single workflow invocation: the scheduler's top-level record,
// owning the fully-resolved Document and the per-step state map. Field
// names mirror spec §3 "Run" exactly.
type Run struct {
	ID             string        `json:"id"`
	WorkflowName   string        `json:"workflow_name"`
	SwarmPattern   string        `json:"swarm_pattern,omitempty"`
	Status         RunStatus     `json:"status"`
	Document       *Document     `json:"document"`
	Steps          map[string]*Step `json:"steps"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// NewRun creates a Run from a fully-resolved Document, with every step
// initialized to StepPending. Steps is never nil so JSON serialization
// produces {} rather than null, matching the teacher's empty-slice
// convention for WorkflowState.
func NewRun(id string, doc *Document) *Run {
	run := &Run{
		ID:           id,
		WorkflowName: doc.Name,
		SwarmPattern: doc.SwarmPattern,
		Status:       RunPending,
		Document:     doc,
		Steps:        make(map[string]*Step, len(doc.Steps)),
		StartedAt:    time.Now(),
	}
	for _, sd := range doc.Steps {
		run.Steps[sd.Name] = &Step{
			ID:        sd.Name,
			RunID:     id,
			Name:      sd.Name,
			Kind:      sd.Kind,
			Worker:    sd.Worker,
			DependsOn: sd.DependsOn,
			Status:    StepPending,
			Task:      sd.Task,
		}
	}
	return run
}

// Step looks up a run's step by name. The second return value is false when
// no such step exists.
func (r *Run) Step(name string) (*Step, bool) {
	s, ok := r.Steps[name]
	return s, ok
}

// Doc returns the immutable StepDoc a step was built from, giving executors
// access to kind-specific configuration (command text, verify check, allow-
// failure flags) that the runtime Step record deliberately does not carry.
func (r *Run) Doc(name string) *StepDoc {
	return findStepDoc(r.Document, name)
}

// StepOutput returns the captured output of a completed step, used by the
// scheduler's second interpolation pass.
func (r *Run) StepOutput(name string) (string, bool) {
	s, ok := r.Steps[name]
	if !ok || s.Status != StepCompleted {
		return "", false
	}
	return s.Output, true
}

// AllTerminal reports whether every step in the run has reached a terminal
// status (completed, failed, or skipped).
func (r *Run) AllTerminal() bool {
	for _, s := range r.Steps {
		switch s.Status {
		case StepCompleted, StepFailed, StepSkipped:
		default:
			return false
		}
	}
	return true
}

// dependentsOf returns the names of every step that directly depends on
// name.
func (r *Run) dependentsOf(name string) []string {
	var out []string
	for _, s := range r.Steps {
		for _, dep := range s.DependsOn {
			if dep == name {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}
