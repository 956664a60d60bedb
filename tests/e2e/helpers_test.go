package e2e_test

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// testProject creates an isolated project directory with relay.toml and mock agents.
type testProject struct {
	Dir        string
	BinaryPath string
	t          *testing.T
}

// newTestProject builds the relay binary, copies mock agents into a fresh temp
// directory, and returns a testProject ready for use. Must be called from a
// test function; uses t.Helper() to mark itself accordingly.
func newTestProject(t *testing.T) *testProject {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("E2E tests with shell mock agents are not supported on Windows")
	}

	dir := t.TempDir()

	// Build relay binary into temp dir.
	binary := filepath.Join(dir, "relay")
	build := exec.Command("go", "build", "-o", binary, "./cmd/relay")
	build.Dir = projectRoot()
	out, err := build.CombinedOutput()
	require.NoError(t, err, "building relay: %s", string(out))

	// Copy mock agents and make them executable.
	mockDir := filepath.Join(dir, "mock-agents")
	copyMockAgents(t, mockDir)

	return &testProject{Dir: dir, BinaryPath: binary, t: t}
}

// projectRoot returns the absolute path to the root of the relay repository.
// It uses runtime.Caller(0) to find this source file's location and navigates
// two directories up (tests/e2e/ -> tests/ -> repo root).
func projectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	// thisFile is <repo>/tests/e2e/helpers_test.go; root is two dirs up.
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

// copyMockAgents copies all scripts from testdata/mock-agents/ to destDir,
// setting executable permissions on each script.
func copyMockAgents(t *testing.T, destDir string) {
	t.Helper()
	srcDir := filepath.Join(projectRoot(), "testdata", "mock-agents")
	require.NoError(t, os.MkdirAll(destDir, 0o755))

	entries, err := os.ReadDir(srcDir)
	require.NoError(t, err, "reading mock-agents dir")

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		data, readErr := os.ReadFile(src)
		require.NoError(t, readErr)
		require.NoError(t, os.WriteFile(dst, data, 0o600))
		require.NoError(t, os.Chmod(dst, 0o755))
	}
}

// writeConfig writes content to relay.toml in tp.Dir.
func (tp *testProject) writeConfig(content string) {
	tp.t.Helper()
	err := os.WriteFile(filepath.Join(tp.Dir, "relay.toml"), []byte(content), 0o644)
	require.NoError(tp.t, err)
}

// writeWorkflow writes content to name (e.g. "release.yaml") in tp.Dir and
// returns its absolute path.
func (tp *testProject) writeWorkflow(name, content string) string {
	tp.t.Helper()
	path := filepath.Join(tp.Dir, name)
	require.NoError(tp.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run creates an exec.Cmd for relay with mock agents prepended to PATH.
func (tp *testProject) run(args ...string) *exec.Cmd {
	cmd := exec.Command(tp.BinaryPath, args...)
	cmd.Dir = tp.Dir
	mockPath := filepath.Join(tp.Dir, "mock-agents")
	cmd.Env = append(os.Environ(),
		"PATH="+mockPath+string(os.PathListSeparator)+os.Getenv("PATH"),
		"NO_COLOR=1",            // disable ANSI color in output
		"RELAY_LOG_FORMAT=json", // structured logs for easier parsing
	)
	return cmd
}

// runExpectSuccess runs relay and asserts exit code 0.
// Returns combined stdout+stderr output.
func (tp *testProject) runExpectSuccess(args ...string) string {
	tp.t.Helper()
	cmd := tp.run(args...)
	out, err := cmd.CombinedOutput()
	require.NoError(tp.t, err, "relay %v failed:\n%s", args, string(out))
	return string(out)
}

// runExpectFailure runs relay and asserts a non-zero exit code.
// Returns combined output and the exit code.
func (tp *testProject) runExpectFailure(args ...string) (string, int) {
	tp.t.Helper()
	cmd := tp.run(args...)
	out, err := cmd.CombinedOutput()
	require.Error(tp.t, err, "relay %v expected to fail but succeeded:\n%s", args, string(out))
	var exitErr *exec.ExitError
	require.True(tp.t, errors.As(err, &exitErr), "expected *exec.ExitError, got %T: %v", err, err)
	return string(out), exitErr.ExitCode()
}

// initGitRepo initialises a git repository in dir with an initial commit.
func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	setupCmds := [][]string{
		{"git", "init"},
		{"git", "config", "user.email", "test@example.com"},
		{"git", "config", "user.name", "Test User"},
	}
	for _, args := range setupCmds {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v failed: %s", args, string(out))
	}

	// Create a .gitkeep and make an initial commit so the repo is non-empty.
	keepFile := filepath.Join(dir, ".gitkeep")
	require.NoError(t, os.WriteFile(keepFile, []byte(""), 0o644))
	for _, args := range [][]string{
		{"git", "add", ".gitkeep"},
		{"git", "commit", "-m", "init"},
	} {
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%v failed: %s", args, string(out))
	}
}

// minimalConfig returns a minimal relay.toml content exercising every
// section of config.Config, with restart mode fixed to "never" so spawned
// mock agents are not restarted once they exit.
func minimalConfig() string {
	return `[broker]
idle_threshold = "5m"
verification_window = "2m"
retry_budget = 3

[broker.restart]
mode = "never"

[bypass]

[workflow]
max_concurrency = 2
nudge_after = "3m"
escalate_after = "6m"
max_nudges = 2

[gateway]
dedupe_ttl = "15m"
`
}

// sampleWorkflow returns a single-step deterministic workflow document
// exercising run/validate/dry-run without needing a real coding-agent
// binary: its one step just runs a shell command inline.
func sampleWorkflow(name string) string {
	return fmt.Sprintf(`name: %s
max_concurrency: 1
steps:
  - name: say-hello
    kind: deterministic
    command: echo hello from %s
`, name, name)
}
