package config

// Config is the top-level configuration structure mapping to relay.toml.
type Config struct {
	Broker   BrokerConfig      `toml:"broker"`
	Bypass   map[string]string `toml:"bypass"`
	Workflow WorkflowDefaults  `toml:"workflow"`
	Gateway  GatewayConfig     `toml:"gateway"`
}

// BrokerConfig maps to the [broker] section in relay.toml. Durations are
// stored as parseable strings (e.g. "5m") rather than time.Duration so the
// zero value round-trips through TOML the same way the teacher's
// ProjectConfig string fields do.
type BrokerConfig struct {
	IdleThreshold      string        `toml:"idle_threshold"`
	VerificationWindow string        `toml:"verification_window"`
	RetryBudget        int           `toml:"retry_budget"`
	Restart            RestartConfig `toml:"restart"`
}

// RestartConfig maps to the [broker.restart] section. Mode is one of
// "never", "on_failure", "always", mirroring broker.RestartMode.
type RestartConfig struct {
	Mode         string  `toml:"mode"`
	MaxAttempts  int     `toml:"max_attempts"`
	BaseDelay    string  `toml:"base_delay"`
	MaxDelay     string  `toml:"max_delay"`
	JitterFactor float64 `toml:"jitter_factor"`
}

// WorkflowDefaults maps to the [workflow] section: scheduler-wide defaults
// applied to every run unless a workflow document overrides them.
type WorkflowDefaults struct {
	MaxConcurrency int    `toml:"max_concurrency"`
	NudgeAfter     string `toml:"nudge_after"`
	EscalateAfter  string `toml:"escalate_after"`
	MaxNudges      int    `toml:"max_nudges"`
}

// GatewayConfig maps to the [gateway] section: inbound-message dedupe
// tuning.
type GatewayConfig struct {
	DedupeTTL string `toml:"dedupe_ttl"`
}
