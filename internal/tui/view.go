package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-inparallel/internal/stats"
	"github.com/randomizedcoder/go-inparallel/pkg/inparallel"
)

// maxRunningLabels caps the running labels listed in the progress box.
const maxRunningLabels = 6

// =============================================================================
// Main View Rendering
// =============================================================================

// renderDashboard renders the whole dashboard.
func (m Model) renderDashboard() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderProgress())

	// Stats sections (only once something ran)
	if m.snap != nil {
		sections = append(sections, m.renderOutcomes())
		if m.snap.Finished() > 0 {
			sections = append(sections, m.renderDurations())
		}
		if m.showRecent && len(m.snap.Recent) > 0 {
			sections = append(sections, m.renderRecent())
		}
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	status := statusInfo.Render("● running")
	switch {
	case m.done && m.doneErr != nil:
		status = statusError.Render("● failed")
	case m.done:
		status = statusOK.Render("● done")
	}

	title := m.title
	if title == "" {
		title = "inparallel"
	}

	header := fmt.Sprintf(
		" %s │ %s │ Running: %d │ Elapsed: %s ",
		title,
		status,
		m.Running(),
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Progress Section
// =============================================================================

func (m Model) renderProgress() string {
	barWidth := m.width - 30
	if barWidth < 20 {
		barWidth = 20
	}
	progressBar := RenderProgressBar(m.Progress(), barWidth)

	var status string
	switch {
	case m.done && m.doneErr != nil:
		status = statusError.Render("✗ " + m.doneErr.Error())
	case m.done:
		status = statusOK.Render("✓ All batches drained")
	case m.totalTasks > 0:
		status = statusInfo.Render(fmt.Sprintf("Waiting... %d/%d finished", m.Finished(), m.totalTasks))
	default:
		status = statusInfo.Render(fmt.Sprintf("Waiting... %d finished", m.Finished()))
	}

	lines := []string{
		sectionHeaderStyle.Render("Progress"),
		progressBar,
		status,
	}
	if running := m.runningLabels(); running != "" {
		lines = append(lines, dimStyle.Render("Running: "+running))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// runningLabels lists running labels alphabetically, "label×n" for repeats.
func (m Model) runningLabels() string {
	if m.snap == nil || len(m.snap.RunningLabels) == 0 {
		return ""
	}

	labels := make([]string, 0, len(m.snap.RunningLabels))
	for label := range m.snap.RunningLabels {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	parts := make([]string, 0, maxRunningLabels+1)
	for i, label := range labels {
		if i == maxRunningLabels {
			parts = append(parts, fmt.Sprintf("+%d more", len(labels)-maxRunningLabels))
			break
		}
		if n := m.snap.RunningLabels[label]; n > 1 {
			label = fmt.Sprintf("%s×%d", label, n)
		}
		parts = append(parts, label)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Outcomes
// =============================================================================

func (m Model) renderOutcomes() string {
	s := m.snap
	failureStyle := GetFailureRateStyle(m.FailureRate())

	lines := []string{
		sectionHeaderStyle.Render("Tasks"),
		RenderKeyValue("Started", stats.FormatNumber(s.Started)),
		renderStateRow(inparallel.StateCompleted, s.Completed),
		renderStateRow(inparallel.StateFailed, s.Failed),
		renderStateRow(inparallel.StateKilled, s.Killed),
		lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Failure rate:"),
			failureStyle.Render(fmt.Sprintf("%.1f%%", m.FailureRate()*100)),
		),
	}
	if s.SerializationFailures > 0 {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render("Results dropped:"),
			valueWarnStyle.Render(stats.FormatNumber(s.SerializationFailures)),
		))
	}
	if s.Batches > 0 {
		lines = append(lines, RenderKeyValue("Batches", fmt.Sprintf("%d (%d failed)", s.Batches, s.BatchErrors)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderStateRow(state inparallel.State, n int64) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render(GetStateLabel(state)),
		valueStyle.Render(stats.FormatNumber(n)),
	)
}

// =============================================================================
// Durations
// =============================================================================

func (m Model) renderDurations() string {
	s := m.snap
	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Task Durations"),
		RenderKeyValue("P50", stats.FormatMs(s.DurationP50)),
		RenderKeyValue("P95", stats.FormatMs(s.DurationP95)),
		RenderKeyValue("P99", stats.FormatMs(s.DurationP99)),
		RenderKeyValue("Max", stats.FormatMs(s.DurationMax)),
		RenderKeyValue("Rate (10s)", stats.FormatRate(s.Rate.Avg10s)),
		RenderKeyValue("Rate (avg)", stats.FormatRate(s.Rate.AvgOverall)),
	)
	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Recent Tasks
// =============================================================================

func (m Model) renderRecent() string {
	lines := []string{sectionHeaderStyle.Render("Recently Finished")}

	for _, e := range m.snap.Recent {
		detail := stats.FormatMs(e.Duration)
		if e.State == inparallel.StateFailed {
			detail = e.Kind + ": " + e.Message
		}

		maxDetail := m.width - 50
		if maxDetail > 10 && len(detail) > maxDetail {
			detail = detail[:maxDetail-3] + "..."
		}

		lines = append(lines, fmt.Sprintf("%-24s %-8d %s  %s",
			e.Label,
			e.PID,
			GetStateStyle(e.State).Render(fmt.Sprintf("%-9s", e.State)),
			mutedStyle.Render(detail),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"t: toggle recent",
		"r: refresh",
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := ""
	if m.metricsAddr != "" {
		right = dimStyle.Render("Metrics: http://" + m.metricsAddr + "/metrics")
	}

	// Pad to fill width
	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
