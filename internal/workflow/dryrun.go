package workflow

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// DryRunFormatter formats dry-run output for workflow documents. When styled
// is true, lipgloss ANSI styling is applied; when false, plain text is
// emitted. This generalizes the teacher's BFS-over-transitions formatter
// (built for a single linear successor chain) into a wave formatter: a DAG
// has no single successor chain, so steps are grouped by the wave they would
// run in instead.
type DryRunFormatter struct {
	writer io.Writer
	styled bool
}

// NewDryRunFormatter creates a new DryRunFormatter writing to w.
func NewDryRunFormatter(w io.Writer, styled bool) *DryRunFormatter {
	return &DryRunFormatter{writer: w, styled: styled}
}

// Write writes s to f.writer.
func (f *DryRunFormatter) Write(s string) { fmt.Fprint(f.writer, s) }

// FormatDocumentDryRun renders doc's steps grouped into the waves they would
// dispatch in, along with each step's description (sourced from an
// executor's DryRun, keyed by step name in stepOutputs).
func (f *DryRunFormatter) FormatDocumentDryRun(doc *Document, stepOutputs map[string]string) string {
	if doc == nil || len(doc.Steps) == 0 {
		return "No steps defined.\n"
	}

	waves := computeWaves(doc)

	headerStyle := lipgloss.NewStyle()
	waveStyle := lipgloss.NewStyle()
	stepNameStyle := lipgloss.NewStyle()
	depStyle := lipgloss.NewStyle()

	if f.styled {
		headerStyle = headerStyle.Bold(true).Foreground(lipgloss.Color("12"))
		waveStyle = waveStyle.Bold(true).Foreground(lipgloss.Color("14"))
		stepNameStyle = stepNameStyle.Bold(true)
		depStyle = depStyle.Faint(true)
	}

	var sb strings.Builder

	header := fmt.Sprintf("Workflow: %s", doc.Name)
	sb.WriteString(headerStyle.Render(header))
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", len(header)))
	sb.WriteString("\n\n")

	for i, wave := range waves {
		sb.WriteString(waveStyle.Render(fmt.Sprintf("Wave %d:", i+1)))
		sb.WriteString("\n")

		sort.Strings(wave)
		for _, name := range wave {
			sd := findStepDoc(doc, name)
			desc, hasDesc := stepOutputs[name]
			if !hasDesc || desc == "" {
				desc = fmt.Sprintf("(%s)", sd.Kind)
			}
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", stepNameStyle.Render(name), desc))
			if len(sd.DependsOn) > 0 {
				sorted := append([]string(nil), sd.DependsOn...)
				sort.Strings(sorted)
				sb.WriteString(depStyle.Render(fmt.Sprintf("      depends_on: %s\n", strings.Join(sorted, ", "))))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// computeWaves groups doc's steps into the sequence of waves the scheduler
// would dispatch them in, assuming every step in each wave succeeds. It
// assumes doc has already passed ValidateDocument (acyclic).
func computeWaves(doc *Document) [][]string {
	remaining := make(map[string][]string, len(doc.Steps))
	for _, sd := range doc.Steps {
		remaining[sd.Name] = append([]string(nil), sd.DependsOn...)
	}

	satisfied := make(map[string]bool, len(doc.Steps))
	var waves [][]string

	for len(satisfied) < len(remaining) {
		var wave []string
		for name, deps := range remaining {
			if satisfied[name] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if !satisfied[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			break // cycle; should not happen post-validation
		}
		for _, name := range wave {
			satisfied[name] = true
		}
		waves = append(waves, wave)
	}
	return waves
}
