package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#DC2626") // zeger red
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber
	textColor    = lipgloss.Color("#E5E7EB")

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(textColor)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Bold(true)

	syncingStyle = lipgloss.NewStyle().
			Foreground(warnColor)

	failedStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}

// renderStatus draws the status panel shared by the status and watch
// commands.
func renderStatus(snap status.Snapshot, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Sync status"))
	sb.WriteString("\n")

	conn := offlineStyle.Render("○ offline")
	if snap.IsOnline {
		conn = onlineStyle.Render("● online")
		if snap.Transport != "" {
			conn += valueStyle.Render(" (" + string(snap.Transport) + ")")
		}
	}
	sb.WriteString(row("network", conn) + "\n")

	state := valueStyle.Render("idle")
	if snap.IsSyncing {
		state = syncingStyle.Render("syncing…")
	}
	sb.WriteString(row("engine", state) + "\n")
	sb.WriteString(row("pending", fmt.Sprint(snap.PendingCount)) + "\n")
	if snap.InFlightCount > 0 {
		sb.WriteString(row("in flight", fmt.Sprint(snap.InFlightCount)) + "\n")
	}
	failed := fmt.Sprint(snap.FailedCount)
	if snap.FailedCount > 0 {
		failed = failedStyle.Render(failed)
	}
	sb.WriteString(row("failed", failed) + "\n")
	sb.WriteString(row("succeeded", fmt.Sprint(snap.SucceededCount)) + "\n")
	sb.WriteString(row("last sync", ago(snap.LastSyncAt, now)))

	if s := snap.LastSession; s != nil {
		sb.WriteString("\n")
		sb.WriteString(row("last run", fmt.Sprintf("%d sent, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)))
		if s.Aborted {
			sb.WriteString(failedStyle.Render(" (" + s.AbortReason + ")"))
		}
	}

	if len(snap.Errors) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(titleStyle.Render("Recent errors"))
		for _, e := range snap.Errors {
			sb.WriteString("\n")
			sb.WriteString(renderError(e))
		}
	}
	return panelStyle.Render(sb.String())
}

func renderError(e status.ErrorEntry) string {
	line := e.At.Format("15:04:05") + " "
	if e.Kind != "" {
		line += string(e.Kind) + " "
	}
	if e.Class != "" {
		line += "[" + e.Class + "] "
	}
	return failedStyle.Render("✗ ") + valueStyle.Render(line+e.Message)
}
