package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullTOML = `
[broker]
idle_threshold = "10m"
verification_window = "90s"
retry_budget = 5

[broker.restart]
mode = "on_failure"
max_attempts = 3
base_delay = "2s"
max_delay = "1m"
jitter_factor = 0.3

[bypass]
claude = "--dangerously-skip-permissions"
codex = ""

[workflow]
max_concurrency = 8
nudge_after = "90s"
escalate_after = "4m"
max_nudges = 3

[gateway]
dedupe_ttl = "30m"
`

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile_ValidFull(t *testing.T) {
	t.Parallel()
	cfg, md, err := LoadFromFile(writeTOML(t, fullTOML))
	require.NoError(t, err)

	assert.Equal(t, "10m", cfg.Broker.IdleThreshold)
	assert.Equal(t, "90s", cfg.Broker.VerificationWindow)
	assert.Equal(t, 5, cfg.Broker.RetryBudget)

	assert.Equal(t, "on_failure", cfg.Broker.Restart.Mode)
	assert.Equal(t, 3, cfg.Broker.Restart.MaxAttempts)
	assert.Equal(t, "2s", cfg.Broker.Restart.BaseDelay)
	assert.Equal(t, "1m", cfg.Broker.Restart.MaxDelay)
	assert.InDelta(t, 0.3, cfg.Broker.Restart.JitterFactor, 0.0001)

	require.Len(t, cfg.Bypass, 2)
	assert.Equal(t, "--dangerously-skip-permissions", cfg.Bypass["claude"])
	assert.Equal(t, "", cfg.Bypass["codex"])

	assert.Equal(t, 8, cfg.Workflow.MaxConcurrency)
	assert.Equal(t, "90s", cfg.Workflow.NudgeAfter)
	assert.Equal(t, "4m", cfg.Workflow.EscalateAfter)
	assert.Equal(t, 3, cfg.Workflow.MaxNudges)

	assert.Equal(t, "30m", cfg.Gateway.DedupeTTL)

	assert.Empty(t, md.Undecoded(), "expected no undecoded keys for a fully valid config")
}

func TestLoadFromFile_PartialConfig(t *testing.T) {
	t.Parallel()
	cfg, _, err := LoadFromFile(writeTOML(t, `
[broker]
idle_threshold = "1m"
`))
	require.NoError(t, err)

	assert.Equal(t, "1m", cfg.Broker.IdleThreshold)
	assert.Empty(t, cfg.Broker.VerificationWindow)
	assert.Nil(t, cfg.Bypass)
	assert.Equal(t, 0, cfg.Workflow.MaxConcurrency)
}

func TestLoadFromFile_MalformedTOML(t *testing.T) {
	t.Parallel()
	_, _, err := LoadFromFile(writeTOML(t, "broker = [this is not valid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestLoadFromFile_NonExistentFile(t *testing.T) {
	t.Parallel()
	_, _, err := LoadFromFile("/nonexistent/path/relay.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestLoadFromFile_ReturnsUndecodedKeys(t *testing.T) {
	t.Parallel()
	_, md, err := LoadFromFile(writeTOML(t, `
[broker]
idle_threshold = "5m"
unknown_key = "x"

[unknown_section]
foo = "bar"
`))
	require.NoError(t, err)

	undecoded := md.Undecoded()
	require.NotEmpty(t, undecoded)

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	assert.Contains(t, keys, "broker.unknown_key")
	assert.Contains(t, keys, "unknown_section.foo")
}

func TestLoadFromFile_EmptyFile(t *testing.T) {
	t.Parallel()
	cfg, _, err := LoadFromFile(writeTOML(t, ""))
	require.NoError(t, err)

	assert.Empty(t, cfg.Broker.IdleThreshold)
	assert.Nil(t, cfg.Bypass)
	assert.Equal(t, 0, cfg.Workflow.MaxConcurrency)
}

func TestLoadFromFile_BypassWithSpecialAgentNames(t *testing.T) {
	t.Parallel()
	cfg, _, err := LoadFromFile(writeTOML(t, `
[bypass]
"gpt.4" = "--yolo"
claude-3 = "--skip"
`))
	require.NoError(t, err)

	require.Len(t, cfg.Bypass, 2)
	assert.Equal(t, "--yolo", cfg.Bypass["gpt.4"])
	assert.Equal(t, "--skip", cfg.Bypass["claude-3"])
}

// --- FindConfigFile tests ---

func TestFindConfigFile_InCurrentDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	configPath := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_InParentDir(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := filepath.Join(parent, "sub", "deep")
	require.NoError(t, os.MkdirAll(child, 0o755))

	configPath := filepath.Join(parent, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(child)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_NotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Empty(t, found, "expected empty string when config not found")
}

func TestFindConfigFile_DeeplyNested(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	deepPath := root
	for i := 0; i < 25; i++ {
		deepPath = filepath.Join(deepPath, "level")
	}
	require.NoError(t, os.MkdirAll(deepPath, 0o755))

	configPath := filepath.Join(root, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# deep test\n"), 0o644))

	found, err := FindConfigFile(deepPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_ReturnsAbsolutePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	configPath := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(found), "expected absolute path, got %s", found)
}
