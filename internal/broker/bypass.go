package broker

// bypassFlags maps well-known command-line assistants to the flag that puts
// them into non-interactive, auto-approving mode. Unknown commands get no
// flag at all. Grounded on the teacher's knownAgents set
// (internal/pipeline/orchestrator.go), generalized from "recognised agent
// name" to "recognised agent -> bypass flag."
var bypassFlags = map[string]string{
	"claude": "--dangerously-skip-permissions",
	"codex":  "--dangerously-bypass-approvals-and-sandbox",
	"gemini": "--yolo",
}

// resolveBypassFlag returns the bypass flag for command, or "" if command is
// unrecognised or disabled is true.
func resolveBypassFlag(command string, disabled bool) string {
	if disabled {
		return ""
	}
	return bypassFlags[command]
}
