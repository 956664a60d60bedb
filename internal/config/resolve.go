package config

import "strconv"

// ConfigSource identifies where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates the value came from built-in defaults.
	SourceDefault ConfigSource = "default"
	// SourceFile indicates the value came from the relay.toml config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates the value came from an environment variable.
	SourceEnv ConfigSource = "env"
	// SourceCLI indicates the value came from a CLI flag.
	SourceCLI ConfigSource = "cli"
)

// ResolvedConfig holds the fully-resolved configuration with source tracking.
// The Config field contains the merged values; Sources tracks where each came from.
type ResolvedConfig struct {
	Config  *Config
	Sources map[string]ConfigSource // key is dotted path, e.g., "broker.idle_threshold"
	Path    string                  // path to the config file used (empty if none)
}

// CLIOverrides captures flag values that can override configuration. Nil
// fields mean "not set" (do not override).
type CLIOverrides struct {
	MaxConcurrency *int
	IdleThreshold  *string
	RestartMode    *string
}

// EnvFunc is a function that looks up environment variables.
// Default implementation is os.LookupEnv. Injected for testability.
type EnvFunc func(key string) (string, bool)

// Resolve merges configuration from all sources in priority order:
// CLI flags > environment variables > config file > defaults.
//
// Parameters:
//   - defaults: built-in default config (from NewDefaults())
//   - fileConfig: parsed config from relay.toml (nil if no file found)
//   - envFn: function to look up environment variables
//   - overrides: CLI flag values (nil fields mean "not set")
//
// Returns the fully-resolved config with source annotations.
func Resolve(defaults *Config, fileConfig *Config, envFn EnvFunc, overrides *CLIOverrides) *ResolvedConfig {
	rc := &ResolvedConfig{
		Config:  &Config{},
		Sources: make(map[string]ConfigSource),
	}

	// Ensure we have a valid defaults to start from.
	if defaults == nil {
		defaults = &Config{}
	}

	// Ensure we have a valid envFn.
	if envFn == nil {
		envFn = func(string) (string, bool) { return "", false }
	}

	// Ensure we have a valid overrides.
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	// Layer 1: Start with defaults as the base.
	resolveBrokerFromDefaults(rc, defaults)
	resolveBypassFromDefaults(rc, defaults)
	resolveWorkflowFromDefaults(rc, defaults)
	resolveGatewayFromDefaults(rc, defaults)

	// Layer 2: Merge file config on top (non-zero values override; maps merge keys).
	if fileConfig != nil {
		resolveBrokerFromFile(rc, fileConfig)
		resolveBypassFromFile(rc, fileConfig)
		resolveWorkflowFromFile(rc, fileConfig)
		resolveGatewayFromFile(rc, fileConfig)
	}

	// Layer 3: Merge environment variables on top.
	resolveFromEnv(rc, envFn)

	// Layer 4: Merge CLI overrides on top.
	resolveFromCLI(rc, overrides)

	return rc
}

// --- Layer 1: Defaults ---

func resolveBrokerFromDefaults(rc *ResolvedConfig, defaults *Config) {
	b := &rc.Config.Broker
	d := &defaults.Broker

	setString(&b.IdleThreshold, d.IdleThreshold, "broker.idle_threshold", SourceDefault, rc.Sources)
	setString(&b.VerificationWindow, d.VerificationWindow, "broker.verification_window", SourceDefault, rc.Sources)
	b.RetryBudget = d.RetryBudget
	rc.Sources["broker.retry_budget"] = SourceDefault

	r := &b.Restart
	dr := &d.Restart
	setString(&r.Mode, dr.Mode, "broker.restart.mode", SourceDefault, rc.Sources)
	r.MaxAttempts = dr.MaxAttempts
	rc.Sources["broker.restart.max_attempts"] = SourceDefault
	setString(&r.BaseDelay, dr.BaseDelay, "broker.restart.base_delay", SourceDefault, rc.Sources)
	setString(&r.MaxDelay, dr.MaxDelay, "broker.restart.max_delay", SourceDefault, rc.Sources)
	r.JitterFactor = dr.JitterFactor
	rc.Sources["broker.restart.jitter_factor"] = SourceDefault
}

func resolveBypassFromDefaults(rc *ResolvedConfig, defaults *Config) {
	rc.Config.Bypass = make(map[string]string)
	for name, flag := range defaults.Bypass {
		rc.Config.Bypass[name] = flag
		rc.Sources["bypass."+name] = SourceDefault
	}
}

func resolveWorkflowFromDefaults(rc *ResolvedConfig, defaults *Config) {
	w := &rc.Config.Workflow
	d := &defaults.Workflow

	w.MaxConcurrency = d.MaxConcurrency
	rc.Sources["workflow.max_concurrency"] = SourceDefault
	setString(&w.NudgeAfter, d.NudgeAfter, "workflow.nudge_after", SourceDefault, rc.Sources)
	setString(&w.EscalateAfter, d.EscalateAfter, "workflow.escalate_after", SourceDefault, rc.Sources)
	w.MaxNudges = d.MaxNudges
	rc.Sources["workflow.max_nudges"] = SourceDefault
}

func resolveGatewayFromDefaults(rc *ResolvedConfig, defaults *Config) {
	g := &rc.Config.Gateway
	d := &defaults.Gateway
	setString(&g.DedupeTTL, d.DedupeTTL, "gateway.dedupe_ttl", SourceDefault, rc.Sources)
}

// --- Layer 2: File ---

func resolveBrokerFromFile(rc *ResolvedConfig, file *Config) {
	b := &rc.Config.Broker
	f := &file.Broker

	mergeString(&b.IdleThreshold, f.IdleThreshold, "broker.idle_threshold", SourceFile, rc.Sources)
	mergeString(&b.VerificationWindow, f.VerificationWindow, "broker.verification_window", SourceFile, rc.Sources)
	if f.RetryBudget != 0 {
		b.RetryBudget = f.RetryBudget
		rc.Sources["broker.retry_budget"] = SourceFile
	}

	r := &b.Restart
	fr := &f.Restart
	mergeString(&r.Mode, fr.Mode, "broker.restart.mode", SourceFile, rc.Sources)
	if fr.MaxAttempts != 0 {
		r.MaxAttempts = fr.MaxAttempts
		rc.Sources["broker.restart.max_attempts"] = SourceFile
	}
	mergeString(&r.BaseDelay, fr.BaseDelay, "broker.restart.base_delay", SourceFile, rc.Sources)
	mergeString(&r.MaxDelay, fr.MaxDelay, "broker.restart.max_delay", SourceFile, rc.Sources)
	if fr.JitterFactor != 0 {
		r.JitterFactor = fr.JitterFactor
		rc.Sources["broker.restart.jitter_factor"] = SourceFile
	}
}

func resolveBypassFromFile(rc *ResolvedConfig, file *Config) {
	for name, flag := range file.Bypass {
		rc.Config.Bypass[name] = flag
		rc.Sources["bypass."+name] = SourceFile
	}
}

func resolveWorkflowFromFile(rc *ResolvedConfig, file *Config) {
	w := &rc.Config.Workflow
	f := &file.Workflow

	if f.MaxConcurrency != 0 {
		w.MaxConcurrency = f.MaxConcurrency
		rc.Sources["workflow.max_concurrency"] = SourceFile
	}
	mergeString(&w.NudgeAfter, f.NudgeAfter, "workflow.nudge_after", SourceFile, rc.Sources)
	mergeString(&w.EscalateAfter, f.EscalateAfter, "workflow.escalate_after", SourceFile, rc.Sources)
	if f.MaxNudges != 0 {
		w.MaxNudges = f.MaxNudges
		rc.Sources["workflow.max_nudges"] = SourceFile
	}
}

func resolveGatewayFromFile(rc *ResolvedConfig, file *Config) {
	g := &rc.Config.Gateway
	f := &file.Gateway
	mergeString(&g.DedupeTTL, f.DedupeTTL, "gateway.dedupe_ttl", SourceFile, rc.Sources)
}

// --- Layer 3: Environment ---

// Environment variable mapping:
//
//	RELAY_IDLE_THRESHOLD  -> broker.idle_threshold
//	RELAY_MAX_CONCURRENCY -> workflow.max_concurrency
//	RELAY_RESTART_MODE    -> broker.restart.mode
func resolveFromEnv(rc *ResolvedConfig, envFn EnvFunc) {
	b := &rc.Config.Broker
	w := &rc.Config.Workflow

	if val, ok := envFn("RELAY_IDLE_THRESHOLD"); ok {
		b.IdleThreshold = val
		rc.Sources["broker.idle_threshold"] = SourceEnv
	}
	if val, ok := envFn("RELAY_MAX_CONCURRENCY"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			w.MaxConcurrency = n
			rc.Sources["workflow.max_concurrency"] = SourceEnv
		}
	}
	if val, ok := envFn("RELAY_RESTART_MODE"); ok {
		b.Restart.Mode = val
		rc.Sources["broker.restart.mode"] = SourceEnv
	}
}

// --- Layer 4: CLI overrides ---

func resolveFromCLI(rc *ResolvedConfig, overrides *CLIOverrides) {
	if overrides.MaxConcurrency != nil {
		rc.Config.Workflow.MaxConcurrency = *overrides.MaxConcurrency
		rc.Sources["workflow.max_concurrency"] = SourceCLI
	}
	if overrides.IdleThreshold != nil {
		rc.Config.Broker.IdleThreshold = *overrides.IdleThreshold
		rc.Sources["broker.idle_threshold"] = SourceCLI
	}
	if overrides.RestartMode != nil {
		rc.Config.Broker.Restart.Mode = *overrides.RestartMode
		rc.Sources["broker.restart.mode"] = SourceCLI
	}
}

// --- Helpers ---

// setString unconditionally sets the target to the given value and records the source.
func setString(target *string, value string, path string, source ConfigSource, sources map[string]ConfigSource) {
	*target = value
	sources[path] = source
}

// mergeString overwrites the target only if value is non-empty (non-zero string).
// For file-layer merging, an empty string in the file means "not set in file",
// so it does not override the default.
func mergeString(target *string, value string, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != "" {
		*target = value
		sources[path] = source
	}
}
