package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/events"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

const (
	maxEventLog   = 50
	shownEventLog = 8
)

// alertFromEvent decodes the alert carried by alert.* events.
func alertFromEvent(e events.Event) (*alert.Alert, bool) {
	if !strings.HasPrefix(e.Type, "alert.") {
		return nil, false
	}
	var a alert.Alert
	if err := json.Unmarshal(e.Data, &a); err != nil || a.ID == "" {
		return nil, false
	}
	return &a, true
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	lines := []string{theme.Title.Render("EVENT STREAM")}
	if len(eventLog) == 0 {
		lines = append(lines, theme.Dim.Render("  Waiting for events..."))
	}
	for i, e := range eventLog {
		if i >= shownEventLog {
			break
		}
		lines = append(lines, lipgloss.NewStyle().Padding(0, 1).Render(formatEvent(e, theme)))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case alert.EventAlertCreated:
		typeStyle = theme.StatusFailed
	case alert.EventAlertEscalated:
		typeStyle = theme.StatusWarn
	case alert.EventAlertAcknowledged:
		typeStyle = theme.StatusOK
	default:
		typeStyle = theme.Dim
	}
	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e, theme))
}

func describeEvent(e events.Event, theme Theme) string {
	if a, ok := alertFromEvent(e); ok {
		sev := theme.SeverityStyle(a.Severity).Render(string(a.Severity))
		desc := fmt.Sprintf("[%s] %s %s %s=%s", shortID(a.ID), sev, a.PatientID, a.Test, thresholds.FormatValue(a.Value))
		switch e.Type {
		case alert.EventAlertAcknowledged:
			desc += " by " + a.AcknowledgedBy
		case alert.EventAlertEscalated:
			desc += fmt.Sprintf(" tier %d", a.EscalationLevel)
		}
		return desc
	}

	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err == nil {
		if patient, ok := data["patient_id"].(string); ok {
			test, _ := data["test"].(string)
			return fmt.Sprintf("%s %s", patient, test)
		}
	}
	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
