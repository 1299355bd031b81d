// Package inspect renders the history of one alert: what was measured, who
// was paged and when it was acknowledged.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

const auditLimit = 1000

// Reader is the read side of alert.Store.
type Reader interface {
	Get(ctx context.Context, id string) (*alert.Alert, error)
	Notifications(ctx context.Context, alertID string) ([]alert.Notification, error)
	Audit(ctx context.Context, alertID string, limit int) ([]alert.AuditEntry, error)
}

// Report is the structured form of an alert report.
type Report struct {
	Alert         *alert.Alert         `json:"alert"`
	ResponseTime  string               `json:"response_time,omitempty"`
	Timeline      []Event              `json:"timeline"`
	Notifications []alert.Notification `json:"notifications"`
}

// Event is one audit entry placed relative to alert creation.
type Event struct {
	Offset string    `json:"offset"`
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail,omitempty"`
}

// BuildReport renders a terminal-friendly report for one alert.
func BuildReport(ctx context.Context, r Reader, alertID string) (string, error) {
	report, err := gatherReportData(ctx, r, alertID)
	if err != nil {
		return "", err
	}
	a := report.Alert

	var out strings.Builder
	fmt.Fprintf(&out, "Alert Report\n")
	fmt.Fprintf(&out, "Alert ID     : %s\n", a.ID)
	fmt.Fprintf(&out, "Patient      : %s\n", patientLabel(a))
	fmt.Fprintf(&out, "Test         : %s = %s\n", a.Test, valueLabel(a))
	fmt.Fprintf(&out, "Severity     : %s\n", a.Severity)
	fmt.Fprintf(&out, "Message      : %s\n", a.Message)
	fmt.Fprintf(&out, "Source       : %s\n", renderUnset(a.Source, "<unknown>"))
	if a.Department != "" || a.Physician != "" {
		fmt.Fprintf(&out, "Ward         : %s / %s\n", renderUnset(a.Department, "<none>"), renderUnset(a.Physician, "<none>"))
	}
	fmt.Fprintf(&out, "Status       : %s\n", a.Status)
	fmt.Fprintf(&out, "Escalation   : level %d\n", a.EscalationLevel)
	fmt.Fprintf(&out, "Created      : %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	if a.AcknowledgedAt != nil {
		ack := fmt.Sprintf("%s by %s", a.AcknowledgedAt.UTC().Format(time.RFC3339), a.AcknowledgedBy)
		if a.AckNote != "" {
			ack += fmt.Sprintf(" (%s)", a.AckNote)
		}
		fmt.Fprintf(&out, "Acknowledged : %s\n", ack)
		fmt.Fprintf(&out, "Response time: %s\n", report.ResponseTime)
	} else if a.NextEscalationAt != nil {
		fmt.Fprintf(&out, "Next tier due: %s\n", a.NextEscalationAt.UTC().Format(time.RFC3339))
	}

	fmt.Fprintf(&out, "\nTimeline\n")
	for _, e := range report.Timeline {
		line := fmt.Sprintf("  %-9s %-21s %-12s", e.Offset, e.Action, e.Actor)
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Fprintln(&out, strings.TrimRight(line, " "))
	}

	fmt.Fprintf(&out, "\nNotifications\n")
	if len(report.Notifications) == 0 {
		fmt.Fprintf(&out, "  <none>\n")
	}
	for _, n := range report.Notifications {
		fmt.Fprintf(&out, "  [%s] %s via %s (%s): %s, %d attempt(s)\n", n.Tier, n.Role, n.Channel, n.Contact, n.Status, n.Attempts)
		if n.LastError != "" {
			fmt.Fprintf(&out, "      last error: %s\n", n.LastError)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(ctx context.Context, r Reader, alertID string) (string, error) {
	report, err := gatherReportData(ctx, r, alertID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, r Reader, alertID string) (*Report, error) {
	if strings.TrimSpace(alertID) == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	a, err := r.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	report := &Report{Alert: a, Timeline: make([]Event, 0), Notifications: make([]alert.Notification, 0)}
	if rt, ok := a.ResponseTime(); ok {
		report.ResponseTime = rt.Round(time.Second).String()
	}

	entries, err := r.Audit(ctx, a.ID, auditLimit)
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	// Audit is newest first.
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		report.Timeline = append(report.Timeline, Event{
			Offset: offsetLabel(e.CreatedAt.Sub(a.CreatedAt)),
			At:     e.CreatedAt,
			Action: e.Action,
			Actor:  e.Actor,
			Detail: e.Detail,
		})
	}

	notes, err := r.Notifications(ctx, a.ID)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	report.Notifications = append(report.Notifications, notes...)
	return report, nil
}

func offsetLabel(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return "+" + d.Round(time.Second).String()
}

func patientLabel(a *alert.Alert) string {
	if a.PatientName == "" {
		return a.PatientID
	}
	return fmt.Sprintf("%s (%s)", a.PatientID, a.PatientName)
}

func valueLabel(a *alert.Alert) string {
	v := thresholds.FormatValue(a.Value)
	if a.Unit != "" {
		v += " " + a.Unit
	}
	return v
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
