package workflow

import (
	"fmt"
)

// Issue code constants classify each ValidationIssue by its structural
// category. Codes are stable strings so callers can switch on them without
// importing numeric iota values — carried over from the teacher's
// linear-engine validator.
const (
	// IssueNoSteps is reported when a Document has an empty Steps slice.
	IssueNoSteps = "NO_STEPS"

	// IssueEmptyStepName is reported when a step has an empty Name field.
	IssueEmptyStepName = "EMPTY_STEP_NAME"

	// IssueDuplicateStep is reported when two or more steps share the same
	// Name within a single Document.
	IssueDuplicateStep = "DUPLICATE_STEP_NAME"

	// IssueUnknownDependency is reported when a step's DependsOn entry does
	// not match any step name in the document.
	IssueUnknownDependency = "UNKNOWN_DEPENDENCY"

	// IssueCycleDetected is reported when the dependency graph contains a
	// directed cycle. Unlike the teacher's linear engine (where a loop such
	// as review→fix→review is a valid, intentional design), a cycle in a DAG
	// scheduler can never settle, so this is an error, not a warning.
	IssueCycleDetected = "CYCLE_DETECTED"

	// IssueUnknownKind is reported when a step's Kind is not one of the
	// recognized StepKind values.
	IssueUnknownKind = "UNKNOWN_STEP_KIND"

	// IssueMissingExecutor is reported (only when a Registry is provided)
	// when a step's kind has no registered StepExecutor.
	IssueMissingExecutor = "MISSING_EXECUTOR"
)

// ValidationIssue describes a single structural problem found in a Document.
// Issues with a non-empty Step field are associated with a specific step;
// others are document-level concerns.
type ValidationIssue struct {
	Code    string
	Step    string
	Message string
}

// ValidationResult holds the outcome of validating a single Document. Errors
// are fatal: the document cannot be scheduled.
type ValidationResult struct {
	Errors []ValidationIssue
}

// IsValid reports whether the document has no errors.
func (r *ValidationResult) IsValid() bool { return len(r.Errors) == 0 }

// String returns a multi-line human-readable summary of all validation
// issues.
func (r *ValidationResult) String() string {
	s := fmt.Sprintf("Errors (%d):\n", len(r.Errors))
	for _, issue := range r.Errors {
		if issue.Step != "" {
			s += fmt.Sprintf("  [%s] step %q: %s\n", issue.Code, issue.Step, issue.Message)
		} else {
			s += fmt.Sprintf("  [%s] %s\n", issue.Code, issue.Message)
		}
	}
	return s
}

// ValidateDocument checks a workflow document for structural errors: empty
// or duplicate step names, unknown dependencies, unknown step kinds, missing
// executors (when registry is non-nil), and dependency cycles. It always
// returns a non-nil ValidationResult.
//
// Cycle detection uses Kahn's algorithm (repeatedly remove zero-indegree
// nodes) rather than the teacher's DFS three-color walk, because Kahn's
// naturally produces the node set still caught in a cycle when it gets
// stuck — exactly the detail a scheduler operator needs — while keeping the
// same error-collection style as the teacher's validate.go.
func ValidateDocument(doc *Document, registry *Registry) *ValidationResult {
	result := &ValidationResult{}

	if doc == nil || len(doc.Steps) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    IssueNoSteps,
			Message: "workflow document has no steps",
		})
		return result
	}

	stepIndex := make(map[string]int, len(doc.Steps))
	for i, sd := range doc.Steps {
		if sd.Name == "" {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueEmptyStepName,
				Message: fmt.Sprintf("step at index %d has an empty name", i),
			})
			continue
		}
		if _, exists := stepIndex[sd.Name]; exists {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueDuplicateStep,
				Step:    sd.Name,
				Message: fmt.Sprintf("step name %q appears more than once", sd.Name),
			})
			continue
		}
		stepIndex[sd.Name] = i
	}

	for _, sd := range doc.Steps {
		if sd.Name == "" {
			continue
		}
		switch sd.Kind {
		case StepKindAgent, StepKindNonInteractive, StepKindDeterministic, StepKindWorktree:
		default:
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueUnknownKind,
				Step:    sd.Name,
				Message: fmt.Sprintf("step %q has unknown kind %q", sd.Name, sd.Kind),
			})
		}
		if sd.Kind == StepKindWorktree {
			switch sd.Wraps {
			case StepKindAgent, StepKindNonInteractive, StepKindDeterministic:
			default:
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    IssueUnknownKind,
					Step:    sd.Name,
					Message: fmt.Sprintf("worktree step %q has invalid wraps kind %q", sd.Name, sd.Wraps),
				})
			}
		}
		for _, dep := range sd.DependsOn {
			if _, ok := stepIndex[dep]; !ok {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    IssueUnknownDependency,
					Step:    sd.Name,
					Message: fmt.Sprintf("step %q depends on unknown step %q", sd.Name, dep),
				})
			}
		}
		if registry != nil && !registry.Has(string(sd.Kind)) {
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    IssueMissingExecutor,
				Step:    sd.Name,
				Message: fmt.Sprintf("step %q kind %q has no registered executor", sd.Name, sd.Kind),
			})
		}
	}

	// Cycle detection only makes sense once every dependency target is known
	// to exist; skip it otherwise to avoid reporting a confusing secondary
	// error on top of IssueUnknownDependency.
	if !result.IsValid() {
		return result
	}

	if cycle := findCycle(doc); len(cycle) > 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    IssueCycleDetected,
			Message: fmt.Sprintf("dependency cycle detected among steps: %v", cycle),
		})
	}

	return result
}

// findCycle runs Kahn's algorithm over doc's dependency graph. It returns
// the names of every step that could not be peeled off (i.e. the steps
// still involved in a cycle), or nil if the graph is acyclic.
func findCycle(doc *Document) []string {
	indegree := make(map[string]int, len(doc.Steps))
	dependents := make(map[string][]string, len(doc.Steps))
	for _, sd := range doc.Steps {
		if _, ok := indegree[sd.Name]; !ok {
			indegree[sd.Name] = 0
		}
		for _, dep := range sd.DependsOn {
			indegree[sd.Name]++
			dependents[dep] = append(dependents[dep], sd.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	removed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		removed++
		for _, dependent := range dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if removed == len(indegree) {
		return nil
	}

	var remaining []string
	for name, deg := range indegree {
		if deg > 0 {
			remaining = append(remaining, name)
		}
	}
	return remaining
}
