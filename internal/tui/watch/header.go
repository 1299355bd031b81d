package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/api"
)

// HealthState is the last /healthz answer plus connection state.
type HealthState struct {
	api.HealthzResponse
	Connected bool
	LastCheck time.Time
}

func renderHeader(health HealthState, metrics *alert.Metrics, tick int, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusWarn.Render("DEGRADED")
	}

	titleText := fmt.Sprintf(" CRITVALS WATCH %s", theme.Highlight.Render(frame(tick)))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(titleText)-lipgloss.Width(clock)-4)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	sources := "none"
	if len(health.Sources) > 0 {
		sources = strings.Join(health.Sources, ", ")
	}
	statsLine := fmt.Sprintf(" %s  up %s  open %d  sources: %s",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		health.OpenAlerts,
		sources,
	)

	metricsLine := " " + theme.Dim.Render("metrics pending")
	if metrics != nil {
		avg := "n/a"
		if metrics.AverageResponseMinutes != nil {
			avg = fmt.Sprintf("%.1fm", *metrics.AverageResponseMinutes)
		}
		metricsLine = fmt.Sprintf(" total %d  %s %d  %s %d  %s %d  escalated %d  ack rate %.0f%%  avg response %s",
			metrics.Total,
			theme.Critical.Render("critical"), metrics.Critical,
			theme.High.Render("high"), metrics.High,
			theme.Moderate.Render("moderate"), metrics.Moderate,
			metrics.Escalated,
			metrics.AcknowledgmentRate,
			avg,
		)
	}

	lastEvent := "never"
	if !pulse.Last().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(pulse.Last()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, pulse.Render(theme, now))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, metricsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
