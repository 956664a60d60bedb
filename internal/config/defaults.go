package config

// NewDefaults returns a Config populated with all default values, matching
// broker.DefaultRestartPolicy, gateway.DefaultDedupeTTL, and the scheduler's
// unbounded-concurrency default when left unset.
func NewDefaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			IdleThreshold:      "5m",
			VerificationWindow: "2m",
			RetryBudget:        3,
			Restart: RestartConfig{
				Mode:         "never",
				MaxAttempts:  0,
				BaseDelay:    "1s",
				MaxDelay:     "30s",
				JitterFactor: 0.2,
			},
		},
		Bypass: map[string]string{},
		Workflow: WorkflowDefaults{
			MaxConcurrency: 4,
			NudgeAfter:     "3m",
			EscalateAfter:  "6m",
			MaxNudges:      2,
		},
		Gateway: GatewayConfig{
			DedupeTTL: "15m",
		},
	}
}
