package alert

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mattjoyce/critvals/internal/thresholds"
)

var (
	ErrAlertNotFound       = errors.New("alert not found")
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
	ErrDuplicate           = errors.New("duplicate alert suppressed")
	ErrInvalidResult       = errors.New("invalid lab result")
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
)

// ParseStatus accepts "" (any), "open" or "acknowledged".
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return "", nil
	case StatusOpen:
		return StatusOpen, nil
	case StatusAcknowledged, "acked":
		return StatusAcknowledged, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// LabResult is one measurement reported by the laboratory.
type LabResult struct {
	PatientID   string     `json:"patient_id"`
	PatientName string     `json:"patient_name,omitempty"`
	Test        string     `json:"test"`
	Value       float64    `json:"value"`
	Unit        string     `json:"unit,omitempty"`
	Department  string     `json:"department,omitempty"`
	Physician   string     `json:"physician,omitempty"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
	// Source names the feed the result came from (api, kafka, sqs, simulate).
	Source string `json:"source,omitempty"`
}

// Validate checks the fields every result must carry.
func (r LabResult) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidResult)
	}
	if strings.TrimSpace(r.Test) == "" {
		return fmt.Errorf("%w: test is required", ErrInvalidResult)
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: %w", ErrInvalidResult, thresholds.ErrInvalidValue)
	}
	return nil
}

// Alert is a persisted critical value notification.
type Alert struct {
	ID               string              `json:"id"`
	PatientID        string              `json:"patient_id"`
	PatientName      string              `json:"patient_name,omitempty"`
	Test             string              `json:"test"`
	Value            float64             `json:"value"`
	Unit             string              `json:"unit,omitempty"`
	Severity         thresholds.Severity `json:"severity"`
	Message          string              `json:"message"`
	Department       string              `json:"department,omitempty"`
	Physician        string              `json:"physician,omitempty"`
	Source           string              `json:"source"`
	Status           Status              `json:"status"`
	DedupeKey        string              `json:"-"`
	EscalationLevel  int                 `json:"escalation_level"`
	NextEscalationAt *time.Time          `json:"next_escalation_at,omitempty"`
	CollectedAt      *time.Time          `json:"collected_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	AcknowledgedAt   *time.Time          `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string              `json:"acknowledged_by,omitempty"`
	AckNote          string              `json:"ack_note,omitempty"`
}

// ResponseTime is the delay between creation and acknowledgement.
func (a *Alert) ResponseTime() (time.Duration, bool) {
	if a.AcknowledgedAt == nil {
		return 0, false
	}
	return a.AcknowledgedAt.Sub(a.CreatedAt), true
}

// DedupeKey identifies repeats of the same finding for the same patient.
func DedupeKey(patientID, test string, sev thresholds.Severity) string {
	return strings.Join([]string{strings.TrimSpace(patientID), thresholds.Normalize(test), string(sev)}, "|")
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status    Status
	Severity  thresholds.Severity
	PatientID string
	Limit     int
}

// Notification records one delivery attempt sequence to one contact.
type Notification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	Tier      string    `json:"tier"`
	Role      string    `json:"role"`
	Contact   string    `json:"contact"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)

// Audit actions.
const (
	ActionCreated             = "created"
	ActionDuplicateSuppressed = "duplicate_suppressed"
	ActionNotified            = "notified"
	ActionNotifyFailed        = "notify_failed"
	ActionEscalated           = "escalated"
	ActionAcknowledged        = "acknowledged"
)

// AuditEntry is an append-only record of a state change.
type AuditEntry struct {
	ID        int64     `json:"id"`
	AlertID   string    `json:"alert_id,omitempty"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics summarises alert handling performance.
type Metrics struct {
	Total                  int      `json:"total_alerts"`
	Critical               int      `json:"critical_alerts"`
	High                   int      `json:"high_alerts"`
	Moderate               int      `json:"moderate_alerts"`
	Open                   int      `json:"open_alerts"`
	Acknowledged           int      `json:"acknowledged_alerts"`
	Escalated              int      `json:"escalated_alerts"`
	AcknowledgmentRate     float64  `json:"acknowledgment_rate"`
	AverageResponseMinutes *float64 `json:"average_response_minutes"`
}

// EventSeverity lets event subscribers filter alerts by urgency.
func (a *Alert) EventSeverity() thresholds.Severity { return a.Severity }
