package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/camforge/camforge/internal/progress"
)

// styleFunc is a single-string styling function.
type styleFunc func(string) string

// sf wraps a lipgloss.Style into a styleFunc.
func sf(s lipgloss.Style) styleFunc {
	return func(str string) string { return s.Render(str) }
}

func renderView(m Model) string {
	var b strings.Builder

	renderHeader(&b, m)
	renderProgressBar(&b, m)
	renderSteps(&b, m)
	if len(m.Warnings) > 0 {
		renderWarnings(&b, m)
	}
	renderFooter(&b, m)

	return b.String()
}

func renderHeader(b *strings.Builder, m Model) {
	title := fmt.Sprintf("camforge: %s", m.Project)
	if m.RunID != "" {
		title += fmt.Sprintf(" (%s)", m.RunID)
	}
	b.WriteString(titleStyle.Render(title))

	status := " "
	switch {
	case m.Err != nil:
		status += failedStyle.Render(fmt.Sprintf("Error: %v", m.Err))
	case m.RunStatus == progress.StatusCompleted:
		status += readyStyle.Render("Completed")
	case m.RunStatus == progress.StatusFailed:
		status += failedStyle.Render("Failed")
	case m.RunStatus == progress.StatusPaused:
		status += warningStyle.Render("Paused")
	default:
		if active := m.activeStep(); active != nil {
			status += activeStyle.Render(currentSpinner(m.SpinnerFrame)+" ") + warningStyle.Render(active.Label)
		} else {
			status += dimStyle.Render("Starting...")
		}
	}
	b.WriteString(status)
	b.WriteString("\n")
}

func renderProgressBar(b *strings.Builder, m Model) {
	frac := calculateProgress(m)
	barWidth := 40
	if m.Width > 0 && m.Width < 80 {
		barWidth = m.Width - 30
		if barWidth < 10 {
			barWidth = 10
		}
	}
	filled := int(float64(barWidth) * frac)
	if filled > barWidth {
		filled = barWidth
	}

	bar := progressBarFull.Render(strings.Repeat("█", filled)) +
		progressBarEmpty.Render(strings.Repeat("░", barWidth-filled))

	pct := int(frac * 100)
	eta := ""
	if m.EstimatedRemaining > 0 {
		eta = fmt.Sprintf(" ETA %s", formatDuration(m.EstimatedRemaining))
	}
	if m.PerformanceScale != 0 && m.PerformanceScale != 1.0 {
		eta += fmt.Sprintf("  speed x%.2f", m.PerformanceScale)
	}

	fmt.Fprintf(b, "  %s %d%%%s\n", bar, pct, eta)
}

func renderSteps(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("  Steps"))
	b.WriteString("\n")

	for _, step := range m.Steps {
		icon, style := stepIcon(step, m.SpinnerFrame)

		extra := ""
		switch {
		case step.Status == progress.StatusRunning:
			extra = sf(activeStyle)(fmt.Sprintf("%3d%%", step.Percent))
			if step.Attempt > 1 {
				extra += sf(warningStyle)(fmt.Sprintf(" (retry %d)", step.Attempt))
			}
		case step.Status == progress.StatusFailed && step.Message != "":
			extra = sf(failedStyle)(step.Message)
		case step.Status == progress.StatusCompleted:
			extra = sf(dimStyle)(stepDuration(step))
		}

		if step.DevicesDone > 0 || step.DevicesFailed > 0 {
			tally := fmt.Sprintf("%d ok", step.DevicesDone)
			if step.DevicesFailed > 0 {
				tally += fmt.Sprintf(", %d failed", step.DevicesFailed)
			}
			extra += "  " + sf(dimStyle)(tally)
		}

		fmt.Fprintf(b, "    %s %-32s %s\n", style(icon), style(step.Label), extra)

		if step.Status == progress.StatusRunning && step.Sub != "" {
			fmt.Fprintf(b, "        %s\n", dimStyle.Render(fmt.Sprintf("%s %s", step.Sub, step.SubMessage)))
		}
	}
}

func renderWarnings(b *strings.Builder, m Model) {
	b.WriteString(sectionStyle.Render("  Warnings"))
	b.WriteString("\n")

	// Show last 3 warnings
	start := 0
	if len(m.Warnings) > 3 {
		start = len(m.Warnings) - 3
	}
	for _, w := range m.Warnings[start:] {
		fmt.Fprintf(b, "    %s %s\n", warningStyle.Render(warnMark), dimStyle.Render(w))
	}
}

func renderFooter(b *strings.Builder, m Model) {
	elapsed := formatDuration(time.Since(m.StartTime))
	parts := []string{fmt.Sprintf("elapsed: %s", elapsed)}
	if m.RunMessage != "" && m.RunStatus == progress.StatusRunning {
		parts = append(parts, m.RunMessage)
	}
	b.WriteString(footerStyle.Render(fmt.Sprintf("  %s  |  q: detach", strings.Join(parts, "  |  "))))
	b.WriteString("\n")
}

// Helper functions

func stepIcon(step StepView, frame int) (string, styleFunc) {
	switch step.Status {
	case progress.StatusCompleted:
		return checkMark, sf(readyStyle)
	case progress.StatusFailed:
		return crossMark, sf(failedStyle)
	case progress.StatusRunning:
		return currentSpinner(frame), sf(activeStyle)
	default:
		return pending, sf(dimStyle)
	}
}

func stepDuration(step StepView) string {
	if step.StartedAt == nil || step.FinishedAt == nil {
		return ""
	}
	return formatDuration(step.FinishedAt.Sub(*step.StartedAt))
}

func currentSpinner(frame int) string {
	if len(spinnerFrames) == 0 {
		return spinner
	}
	if frame < 0 {
		frame = -frame
	}
	return spinnerFrames[frame%len(spinnerFrames)]
}

func calculateProgress(m Model) float64 {
	if m.RunStatus == progress.StatusCompleted {
		return 1.0
	}
	if len(m.Steps) == 0 {
		return 0
	}

	var total float64
	for _, step := range m.Steps {
		if step.Status == progress.StatusCompleted {
			total += 100
			continue
		}
		if step.Percent > 0 {
			total += float64(step.Percent)
		}
	}
	return total / float64(len(m.Steps)*100)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
