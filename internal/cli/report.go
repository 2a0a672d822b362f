package cli

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/intentmix/internal/generate"
	"github.com/raphaelgruber/intentmix/internal/metrics"
)

const maxReportWidth = 72

// reportWidth fits the report to the terminal, if there is one.
func reportWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return maxReportWidth
	}
	return min(w-2, maxReportWidth)
}

// renderReport formats the end-of-run summary.
func renderReport(sum generate.Summary, ev metrics.Evaluation, outputs []string, width int) string {
	theme := defaultTheme
	var sb strings.Builder

	title := theme.completedStyle().Render("✓ Generation complete")
	switch {
	case sum.Stopped:
		title = theme.statusStyle().Bold(true).Render("■ Generation stopped early")
	case sum.Generated == 0:
		title = theme.errorStyle().Render("✗ No questions generated")
	}
	sb.WriteString(title + "\n\n")

	row := func(label string, value any) {
		fmt.Fprintf(&sb, "  %-22s %v\n", label, value)
	}
	row("Run", sum.RunID)
	row("Batches", fmt.Sprintf("%d/%d", sum.Batches, sum.PlannedBatches))
	row("Generated", sum.Generated)
	row("Rejected (duplicate)", sum.RejectedDuplicate)
	row("Rejected (invalid)", sum.RejectedInvalid)
	if sum.RejectedQuality > 0 {
		row("Rejected (quality)", sum.RejectedQuality)
	}
	if sum.RejectedEmbedding > 0 {
		row("Rejected (embedding)", sum.RejectedEmbedding)
	}
	row("Failed batches", sum.FailedBatches)
	if sum.SinkFailures > 0 {
		row("Sink failures", theme.errorStyle().Render(fmt.Sprint(sum.SinkFailures)))
	}
	row("Duration", sum.Duration.Round(time.Second))

	if ev.TotalGenerated > 0 {
		sb.WriteString("\n")
		row("Semantic diversity", fmt.Sprintf("%.3f", ev.SemanticDiversity))
		row("Intent coverage", fmt.Sprintf("%.1f%%", ev.IntentCoverage*100))
		row("Duplication rate", fmt.Sprintf("%.1f%%", ev.DuplicationRate*100))
		row("Intents per question", fmt.Sprintf("%.2f", ev.AvgIntentsPerQuestion))

		var parts []string
		for _, d := range slices.Sorted(maps.Keys(ev.DifficultyDistribution)) {
			parts = append(parts, fmt.Sprintf("%s=%d", d, ev.DifficultyDistribution[d]))
		}
		row("Difficulty", strings.Join(parts, " "))
	}

	if len(outputs) > 0 {
		sb.WriteString("\n")
		for _, o := range outputs {
			sb.WriteString(theme.hintStyle().Render("  → "+o) + "\n")
		}
	}

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(theme.Hint).
		Padding(0, 1).
		Width(width)
	return box.Render(strings.TrimRight(sb.String(), "\n"))
}
