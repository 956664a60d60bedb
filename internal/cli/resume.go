package cli

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/store"
	"github.com/agent-relay/relay/internal/workflow"
)

// runIDPattern validates that a --run value is a safe ID (not a file path).
// Only alphanumeric characters, hyphens, and underscores are permitted.
var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// resumeFlags holds parsed flag values for the resume command.
type resumeFlags struct {
	// RunID reports the status of one specific run (--run <id>).
	RunID string
	// List shows every persisted run in a table (--list).
	List bool
}

// newResumeCmd creates the "relay resume" command. The scheduler always
// starts a run from its first step, so resuming a genuinely interrupted
// run isn't possible once its worker has exited; this command instead
// inspects what the run store already knows about previous runs, which is
// what "relay run --resume" reports inline when invoked mid-run.
func newResumeCmd() *cobra.Command {
	var flags resumeFlags

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Inspect previously persisted workflow runs",
		Long: `List persisted workflow runs or report the status of a specific run
recorded in the run store.

The run store is an append-only journal at .relay/runs.jsonl. Because it
only records what already happened, this command reports status -- it does
not restart a partially completed run. To continue work on a document,
re-invoke "relay run" on it.`,
		Example: `  # List every run recorded in the store
  relay resume --list

  # Report the status of one run
  relay resume --run run-1730000000000000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.RunID, "run", "", "Report the status of a specific run by ID")
	cmd.Flags().BoolVar(&flags.List, "list", false, "List every run recorded in the store")

	return cmd
}

func init() {
	rootCmd.AddCommand(newResumeCmd())
}

func runResume(cmd *cobra.Command, flags resumeFlags) error {
	if flags.RunID != "" && !runIDPattern.MatchString(flags.RunID) {
		return fmt.Errorf("resume: invalid run ID %q: only alphanumeric characters, hyphens, and underscores are allowed", flags.RunID)
	}

	runStore, err := store.NewJSONLFile(defaultRunStorePath)
	if err != nil {
		return fmt.Errorf("resume: opening run store %q: %w", defaultRunStorePath, err)
	}

	if flags.List {
		return runListMode(cmd, runStore)
	}

	if flags.RunID == "" {
		return fmt.Errorf("resume: either --run <id> or --list is required")
	}

	return reportResumeStatus(cmd, runStore, flags.RunID)
}

// runListMode lists every persisted run in a formatted table, most recently
// started first.
func runListMode(cmd *cobra.Command, s *store.JSONLFile) error {
	runs, err := s.LoadRuns()
	if err != nil {
		return fmt.Errorf("resume: loading run store: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No persisted workflow runs found.")
		return nil
	}

	ordered := make([]*workflow.Run, 0, len(runs))
	for _, run := range runs {
		ordered = append(ordered, run)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartedAt.After(ordered[j].StartedAt) })

	formatRunTable(ordered, cmd.OutOrStdout())
	return nil
}

// formatRunTable writes a tabwriter-aligned table of runs to w.
func formatRunTable(runs []*workflow.Run, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTEPS\tSTARTED")
	fmt.Fprintln(tw, "------\t--------\t------\t-----\t-------")

	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			run.ID,
			run.WorkflowName,
			run.Status,
			len(run.Steps),
			run.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}
}
