package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/config"
)

// configCmd is the parent "config" namespace command. It has no action of its
// own -- it groups debug and validate subcommands.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Inspect, validate, and debug relay configuration.",
	// RunE shows help when invoked with no subcommand.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// configDebugCmd implements "relay config debug".
// It prints the fully-resolved configuration with source annotations.
var configDebugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Show resolved configuration with source annotations",
	Long: `Display the fully-resolved configuration showing each value and
the source where it came from (environment variable, config file, or default).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, _, err := loadAndResolveConfig()
		if err != nil {
			return err
		}
		printResolvedConfig(cmd, resolved)
		return nil
	},
}

// configValidateCmd implements "relay config validate".
// It validates the resolved configuration and reports all errors and warnings.
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and report issues",
	Long:  "Check the configuration for errors and warnings.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, meta, err := loadAndResolveConfig()
		if err != nil {
			return err
		}
		result := config.Validate(resolved.Config, meta)
		printValidationResult(cmd, result)
		if result.HasErrors() {
			return fmt.Errorf("configuration has %d error(s)", len(result.Errors()))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configDebugCmd)
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

// loadAndResolveConfig loads and resolves the configuration from defaults,
// the config file and environment variables; no CLI overrides are passed to
// config.Resolve. It returns the resolved config, the TOML metadata
// (nil when no file was found), and any loading error.
//
// When flagConfig is set, that path is used directly. Otherwise,
// config.FindConfigFile searches upward from the current directory.
func loadAndResolveConfig() (*config.ResolvedConfig, *toml.MetaData, error) {
	var (
		fileCfg *config.Config
		meta    *toml.MetaData
		cfgPath string
	)

	if flagConfig != "" {
		// Explicit --config path provided.
		cfgPath = flagConfig
		fc, md, err := config.LoadFromFile(cfgPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		fileCfg = fc
		meta = &md
	} else {
		// Auto-detect relay.toml by walking up from cwd.
		found, err := config.FindConfigFile(".")
		if err != nil {
			return nil, nil, fmt.Errorf("finding config file: %w", err)
		}
		if found != "" {
			cfgPath = found
			fc, md, err := config.LoadFromFile(cfgPath)
			if err != nil {
				return nil, nil, fmt.Errorf("loading config: %w", err)
			}
			fileCfg = fc
			meta = &md
		}
	}

	resolved := config.Resolve(config.NewDefaults(), fileCfg, os.LookupEnv, nil)
	resolved.Path = cfgPath

	return resolved, meta, nil
}

// ---- Lipgloss styles --------------------------------------------------------

// sourceStyle returns a lipgloss style for a given ConfigSource.
// When --no-color is active, lipgloss automatically strips ANSI because
// the root PersistentPreRunE sets the color profile to Ascii.
func sourceStyle(src config.ConfigSource) lipgloss.Style {
	switch src {
	case config.SourceFile:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("12")) // bright blue
	case config.SourceEnv:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // bright yellow
	case config.SourceCLI:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("9")) // bright red
	default: // SourceDefault
		return lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // bright green
	}
}

var (
	styleHeader    = lipgloss.NewStyle().Bold(true)
	styleSeparator = lipgloss.NewStyle()
	styleSection   = lipgloss.NewStyle().Bold(true)
	styleErrorLbl  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)  // red
	styleWarnLbl   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true) // yellow
	styleSuccess   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))            // green
)

// ---- printResolvedConfig ----------------------------------------------------

const fieldWidth = 24 // column width for field names

// printResolvedConfig writes the formatted resolved configuration to cmd's
// output writer (stdout by default).
func printResolvedConfig(cmd *cobra.Command, rc *config.ResolvedConfig) {
	out := cmd.OutOrStdout()

	header := styleHeader.Render("Configuration Debug")
	sep := styleSeparator.Render(strings.Repeat("=", len("Configuration Debug")))
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, sep)
	fmt.Fprintln(out)

	if rc.Path != "" {
		fmt.Fprintf(out, "Config file: %s\n", rc.Path)
	} else {
		fmt.Fprintln(out, "Config file: none found")
	}
	fmt.Fprintln(out)

	// --- [broker] ---
	fmt.Fprintln(out, styleSection.Render("[broker]"))
	b := rc.Config.Broker
	printField(out, "idle_threshold", fmtStr(b.IdleThreshold), rc.Sources["broker.idle_threshold"])
	printField(out, "verification_window", fmtStr(b.VerificationWindow), rc.Sources["broker.verification_window"])
	printField(out, "retry_budget", fmt.Sprintf("%d", b.RetryBudget), rc.Sources["broker.retry_budget"])
	fmt.Fprintln(out)

	// --- [broker.restart] ---
	fmt.Fprintln(out, styleSection.Render("[broker.restart]"))
	r := b.Restart
	printField(out, "mode", fmtStr(r.Mode), rc.Sources["broker.restart.mode"])
	printField(out, "max_attempts", fmt.Sprintf("%d", r.MaxAttempts), rc.Sources["broker.restart.max_attempts"])
	printField(out, "base_delay", fmtStr(r.BaseDelay), rc.Sources["broker.restart.base_delay"])
	printField(out, "max_delay", fmtStr(r.MaxDelay), rc.Sources["broker.restart.max_delay"])
	printField(out, "jitter_factor", fmt.Sprintf("%g", r.JitterFactor), rc.Sources["broker.restart.jitter_factor"])
	fmt.Fprintln(out)

	// --- [bypass] (sorted for determinism) ---
	if len(rc.Config.Bypass) > 0 {
		fmt.Fprintln(out, styleSection.Render("[bypass]"))
		names := make([]string, 0, len(rc.Config.Bypass))
		for n := range rc.Config.Bypass {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, name := range names {
			printField(out, name, fmtStr(rc.Config.Bypass[name]), rc.Sources["bypass."+name])
		}
		fmt.Fprintln(out)
	}

	// --- [workflow] ---
	fmt.Fprintln(out, styleSection.Render("[workflow]"))
	w := rc.Config.Workflow
	printField(out, "max_concurrency", fmt.Sprintf("%d", w.MaxConcurrency), rc.Sources["workflow.max_concurrency"])
	printField(out, "nudge_after", fmtStr(w.NudgeAfter), rc.Sources["workflow.nudge_after"])
	printField(out, "escalate_after", fmtStr(w.EscalateAfter), rc.Sources["workflow.escalate_after"])
	printField(out, "max_nudges", fmt.Sprintf("%d", w.MaxNudges), rc.Sources["workflow.max_nudges"])
	fmt.Fprintln(out)

	// --- [gateway] ---
	fmt.Fprintln(out, styleSection.Render("[gateway]"))
	g := rc.Config.Gateway
	printField(out, "dedupe_ttl", fmtStr(g.DedupeTTL), rc.Sources["gateway.dedupe_ttl"])
	fmt.Fprintln(out)
}

// printField writes a single key = value (source: ...) line.
func printField(out io.Writer, name, value string, src config.ConfigSource) {
	// Left-pad the field name to fieldWidth.
	padded := fmt.Sprintf("  %-*s", fieldWidth, name)
	srcLabel := sourceStyle(src).Render(fmt.Sprintf("(source: %s)", src))
	line := fmt.Sprintf("%s = %-40s %s\n", padded, value, srcLabel)
	fmt.Fprint(out, line)
}

// fmtStr formats a string value for display (quoted).
func fmtStr(s string) string {
	return fmt.Sprintf("%q", s)
}

// ---- printValidationResult --------------------------------------------------

// printValidationResult writes the formatted validation report to cmd's
// output writer.
func printValidationResult(cmd *cobra.Command, result *config.ValidationResult) {
	out := cmd.OutOrStdout()

	header := styleHeader.Render("Configuration Validation")
	sep := styleSeparator.Render(strings.Repeat("=", len("Configuration Validation")))
	fmt.Fprintln(out, header)
	fmt.Fprintln(out, sep)
	fmt.Fprintln(out)

	errs := result.Errors()
	warns := result.Warnings()

	if len(errs) == 0 && len(warns) == 0 {
		fmt.Fprintln(out, styleSuccess.Render("No issues found."))
		return
	}

	if len(errs) > 0 {
		fmt.Fprintln(out, styleErrorLbl.Render("Errors:"))
		for _, issue := range errs {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}

	if len(warns) > 0 {
		fmt.Fprintln(out, styleWarnLbl.Render("Warnings:"))
		for _, issue := range warns {
			fmt.Fprintf(out, "  [%s] %s\n", issue.Field, issue.Message)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintf(out, "%d error(s), %d warning(s)\n", len(errs), len(warns))
}
