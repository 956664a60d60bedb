package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ValidationSeverity indicates whether a validation issue is an error or warning.
type ValidationSeverity string

const (
	// SeverityError indicates a fatal validation issue; the configuration is unusable.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates an informational validation issue; the configuration works
	// but may have problems.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity
	Field    string // dotted path, e.g., "broker.idle_threshold"
	Message  string
}

// ValidationResult holds all validation findings.
type ValidationResult struct {
	Issues []ValidationIssue
}

// HasErrors returns true if any issue has error severity.
func (vr *ValidationResult) HasErrors() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any issue has warning severity.
func (vr *ValidationResult) HasWarnings() bool {
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Errors returns only error-severity issues.
func (vr *ValidationResult) Errors() []ValidationIssue {
	var errs []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityError {
			errs = append(errs, issue)
		}
	}
	return errs
}

// Warnings returns only warning-severity issues.
func (vr *ValidationResult) Warnings() []ValidationIssue {
	var warns []ValidationIssue
	for _, issue := range vr.Issues {
		if issue.Severity == SeverityWarning {
			warns = append(warns, issue)
		}
	}
	return warns
}

// validRestartModes mirrors broker.RestartMode's three values.
var validRestartModes = map[string]bool{
	"never":      true,
	"on_failure": true,
	"always":     true,
}

// Validate checks the configuration for correctness and completeness.
// It performs structural validation, semantic validation, and unknown key
// detection.
//
// Parameters:
//   - cfg: the configuration to validate
//   - meta: TOML metadata from BurntSushi/toml (may be nil if no file was loaded)
//
// Returns validation results. Check HasErrors() to determine if the config is usable.
func Validate(cfg *Config, meta *toml.MetaData) *ValidationResult {
	vr := &ValidationResult{}

	if cfg == nil {
		addError(vr, "", "configuration is nil")
		return vr
	}

	validateBroker(vr, &cfg.Broker)
	validateBypass(vr, cfg.Bypass)
	validateWorkflow(vr, &cfg.Workflow)
	validateGateway(vr, &cfg.Gateway)
	validateUnknownKeys(vr, meta)

	return vr
}

// validateBroker checks the [broker] section for errors and warnings.
func validateBroker(vr *ValidationResult, b *BrokerConfig) {
	validateDuration(vr, "broker.idle_threshold", b.IdleThreshold, true)
	validateDuration(vr, "broker.verification_window", b.VerificationWindow, true)

	if b.RetryBudget < 0 {
		addError(vr, "broker.retry_budget", "must not be negative")
	}

	validateRestart(vr, &b.Restart)
}

func validateRestart(vr *ValidationResult, r *RestartConfig) {
	if r.Mode != "" && !validRestartModes[r.Mode] {
		addError(vr, "broker.restart.mode",
			fmt.Sprintf("unrecognized mode %q; must be one of: never, on_failure, always", r.Mode))
	}

	if r.Mode == "on_failure" && r.MaxAttempts <= 0 {
		addWarning(vr, "broker.restart.max_attempts",
			"on_failure restart policy with max_attempts <= 0 will never restart")
	}

	validateDuration(vr, "broker.restart.base_delay", r.BaseDelay, false)
	validateDuration(vr, "broker.restart.max_delay", r.MaxDelay, false)

	if r.JitterFactor < 0 || r.JitterFactor > 1 {
		addError(vr, "broker.restart.jitter_factor", "must be between 0 and 1")
	}
}

// validateBypass checks the [bypass] overrides table. Any key is accepted
// (unknown agent names simply have no effect at spawn time), but values
// containing whitespace are rejected since a bypass entry is a single flag.
func validateBypass(vr *ValidationResult, bypass map[string]string) {
	for name, flag := range bypass {
		if flag != "" && strings.ContainsAny(flag, " \t\n") {
			addError(vr, "bypass."+name,
				fmt.Sprintf("flag %q must be a single token", flag))
		}
	}
}

// validateWorkflow checks the [workflow] section.
func validateWorkflow(vr *ValidationResult, w *WorkflowDefaults) {
	if w.MaxConcurrency < 0 {
		addError(vr, "workflow.max_concurrency", "must not be negative")
	}
	if w.MaxConcurrency == 0 {
		addWarning(vr, "workflow.max_concurrency", "zero means unbounded concurrency")
	}

	validateDuration(vr, "workflow.nudge_after", w.NudgeAfter, false)
	validateDuration(vr, "workflow.escalate_after", w.EscalateAfter, false)

	if w.MaxNudges < 0 {
		addError(vr, "workflow.max_nudges", "must not be negative")
	}
}

// validateGateway checks the [gateway] section.
func validateGateway(vr *ValidationResult, g *GatewayConfig) {
	validateDuration(vr, "gateway.dedupe_ttl", g.DedupeTTL, false)
}

// validateDuration checks that value parses as a time.Duration when
// non-empty. When required is true, an empty value is also an error.
func validateDuration(vr *ValidationResult, field, value string, required bool) {
	if value == "" {
		if required {
			addError(vr, field, "must not be empty")
		}
		return
	}
	if _, err := time.ParseDuration(value); err != nil {
		addError(vr, field, fmt.Sprintf("invalid duration %q: %v", value, err))
	}
}

// validateUnknownKeys checks for TOML keys that did not map to any config struct field.
func validateUnknownKeys(vr *ValidationResult, meta *toml.MetaData) {
	if meta == nil {
		return
	}

	for _, key := range meta.Undecoded() {
		path := strings.Join(key, ".")
		addWarning(vr, path, "unknown configuration key")
	}
}

// addError appends an error-severity issue to the validation result.
func addError(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityError,
		Field:    field,
		Message:  message,
	})
}

// addWarning appends a warning-severity issue to the validation result.
func addWarning(vr *ValidationResult, field, message string) {
	vr.Issues = append(vr.Issues, ValidationIssue{
		Severity: SeverityWarning,
		Field:    field,
		Message:  message,
	})
}
