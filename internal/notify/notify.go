// Package notify delivers alert pages to the people behind escalation roles.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// Contact is one reachable person or endpoint for a role.
type Contact struct {
	Name    string `json:"name" yaml:"name"`
	Channel string `json:"channel" yaml:"channel"`
	Address string `json:"address" yaml:"address"`
	// Secret overrides the channel-wide webhook signing secret.
	Secret string `json:"-" yaml:"secret,omitempty"`
}

func (c Contact) key() string {
	return c.Channel + "|" + c.Address
}

// Directory maps escalation roles to contacts.
type Directory map[string][]Contact

// Message is the rendered page for one alert, tier and role.
type Message struct {
	AlertID     string              `json:"alert_id"`
	PatientID   string              `json:"patient_id"`
	PatientName string              `json:"patient_name,omitempty"`
	Department  string              `json:"department,omitempty"`
	Test        string              `json:"test"`
	Value       float64             `json:"value"`
	Unit        string              `json:"unit,omitempty"`
	Severity    thresholds.Severity `json:"severity"`
	Tier        string              `json:"tier"`
	Role        string              `json:"role"`
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	RaisedAt    time.Time           `json:"raised_at"`
}

// NewMessage renders the page text for a.
func NewMessage(a *alert.Alert, tier escalation.Tier, role string) Message {
	subject := fmt.Sprintf("[%s] %s %s %s for patient %s",
		a.Severity, a.Test, thresholds.FormatValue(a.Value), a.Unit, a.PatientID)
	subject = strings.Join(strings.Fields(subject), " ")
	if tier > escalation.TierPrimary {
		subject = fmt.Sprintf("ESCALATION (%s): %s", tier, subject)
	}

	var b strings.Builder
	b.WriteString(a.Message + "\n")
	patient := a.PatientID
	if a.PatientName != "" {
		patient = fmt.Sprintf("%s (%s)", a.PatientName, a.PatientID)
	}
	fmt.Fprintf(&b, "Patient: %s\n", patient)
	if a.Department != "" {
		fmt.Fprintf(&b, "Department: %s\n", a.Department)
	}
	if a.Physician != "" {
		fmt.Fprintf(&b, "Ordering physician: %s\n", a.Physician)
	}
	fmt.Fprintf(&b, "Raised: %s\n", a.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Paged as: %s (%s tier)\n", role, tier)
	fmt.Fprintf(&b, "Acknowledge: critvals alert ack %s --by <name>\n", a.ID)

	return Message{
		AlertID:     a.ID,
		PatientID:   a.PatientID,
		PatientName: a.PatientName,
		Department:  a.Department,
		Test:        a.Test,
		Value:       a.Value,
		Unit:        a.Unit,
		Severity:    a.Severity,
		Tier:        tier.String(),
		Role:        role,
		Subject:     subject,
		Body:        b.String(),
		RaisedAt:    a.CreatedAt,
	}
}

// Channel delivers a message to a contact over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, c Contact, m Message) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
