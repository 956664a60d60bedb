package trajectory

import (
	"regexp"

	"github.com/agent-relay/relay/internal/workflow"
)

// Regexes mirror internal/agent/codex.go's approach of classifying free-text
// error output with compiled patterns rather than sentinel error values,
// since the underlying errors cross several packages and are flattened to
// strings by the time the scheduler records them on a Step.
var (
	reTimeout        = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`)
	reVerifyMismatch = regexp.MustCompile(`(?i)^verification failed`)
	reSpawnFailed    = regexp.MustCompile(`(?i)not registered|spawn|no command configured|no wraps kind configured`)
	reExitNonzero    = regexp.MustCompile(`(?i)exited \d+|exit code|command exited`)
	reAborted        = regexp.MustCompile(`(?i)context canceled|cancelled|canceled`)
)

// Categorize maps a step's recorded error text to one of the six root-cause
// buckets spec.md §4.10 names. Checked in order of specificity: a
// verification failure that also happens to mention "exit" should still
// categorize as a mismatch, not a nonzero exit.
func Categorize(err error) RootCause {
	if err == nil {
		return CauseUnknown
	}
	msg := err.Error()
	switch {
	case reVerifyMismatch.MatchString(msg):
		return CauseVerifyMismatch
	case reTimeout.MatchString(msg):
		return CauseTimeout
	case reSpawnFailed.MatchString(msg):
		return CauseSpawnFailed
	case reAborted.MatchString(msg):
		return CauseAborted
	case reExitNonzero.MatchString(msg):
		return CauseExitNonzero
	default:
		return CauseUnknown
	}
}

// Score is the bounded confidence computed at run completion, a linear
// combination of three step-level rates. Each component and the final value
// are clamped to [0, 1].
type Score struct {
	CompletionRate       float64 `json:"completion_rate"`
	FirstAttemptSuccess  float64 `json:"first_attempt_success_rate"`
	VerificationPassRate float64 `json:"verification_pass_rate"`
	Confidence           float64 `json:"confidence"`
}

// Weights for the linear combination. Completion weighs the most since a run
// that didn't finish its steps cannot be trusted regardless of how clean the
// completed ones were.
const (
	weightCompletion  = 0.5
	weightFirstAttempt = 0.25
	weightVerification = 0.25
)

// Retrospective computes a run's confidence Score from its finished Steps.
// Steps still pending or running are excluded from the denominator — a
// Retrospective is only meaningful once the run has reached a terminal state
// (workflow.Run.AllTerminal), but this function does not enforce that so
// tests can probe it against partially-built fixtures.
func Retrospective(run *workflow.Run) Score {
	if run == nil || len(run.Steps) == 0 {
		return Score{}
	}

	var total, completed, firstAttempt, verified, verifiable int
	for _, step := range run.Steps {
		switch step.Status {
		case workflow.StepCompleted, workflow.StepFailed, workflow.StepSkipped:
		default:
			continue
		}
		total++

		if step.Status == workflow.StepCompleted {
			completed++
			if step.RetryCount == 0 {
				firstAttempt++
			}
		}

		sd := run.Doc(step.Name)
		if sd != nil && sd.Verify != nil {
			verifiable++
			if step.Status == workflow.StepCompleted {
				verified++
			}
		}
	}

	if total == 0 {
		return Score{}
	}

	completionRate := float64(completed) / float64(total)
	firstAttemptRate := 0.0
	if completed > 0 {
		firstAttemptRate = float64(firstAttempt) / float64(completed)
	}
	verificationRate := 1.0
	if verifiable > 0 {
		verificationRate = float64(verified) / float64(verifiable)
	}

	confidence := clamp01(weightCompletion*completionRate +
		weightFirstAttempt*firstAttemptRate +
		weightVerification*verificationRate)

	return Score{
		CompletionRate:       clamp01(completionRate),
		FirstAttemptSuccess:  clamp01(firstAttemptRate),
		VerificationPassRate: clamp01(verificationRate),
		Confidence:           confidence,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
