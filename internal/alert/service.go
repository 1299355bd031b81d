package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/critvals/internal/escalation"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/mattjoyce/critvals/internal/alert Notifier,Publisher

// Notifier pages the given roles about an alert.
type Notifier interface {
	Notify(ctx context.Context, a *Alert, tier escalation.Tier, roles []string) error
}

// Publisher receives lifecycle events. *events.Hub satisfies it.
type Publisher interface {
	Publish(eventType string, data any)
}

// Event types published by the service.
const (
	EventAlertCreated      = "alert.created"
	EventAlertDuplicate    = "alert.duplicate"
	EventAlertAcknowledged = "alert.acknowledged"
	EventAlertEscalated    = "alert.escalated"
	EventResultNormal      = "result.normal"
)

// Service turns lab results into alerts and keeps their lifecycle moving.
type Service struct {
	store    *Store
	table    *thresholds.Table
	matrix   escalation.Matrix
	notifier Notifier
	events   Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(store *Store, table *thresholds.Table, matrix escalation.Matrix, notifier Notifier, events Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		table:    table,
		matrix:   matrix,
		notifier: notifier,
		events:   events,
		logger:   logger.With("component", "alerts"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest evaluates a result. Results inside the critical range return a nil
// alert. A repeat of an open alert returns that alert and an error wrapping
// ErrDuplicate; nobody is paged again.
func (s *Service) Ingest(ctx context.Context, r LabResult) (*Alert, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	finding, err := s.table.Evaluate(r.Test, r.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResult, err)
	}
	if finding == nil {
		s.publish(EventResultNormal, map[string]any{
			"patient_id": r.PatientID,
			"test":       s.table.Resolve(r.Test),
			"value":      r.Value,
			"source":     r.Source,
		})
		return nil, nil
	}

	policy := s.matrix.Policy(finding.Severity)
	now := s.now()
	nextAt := now.Add(policy.After)

	unit := r.Unit
	if unit == "" {
		unit = finding.Unit
	}
	a, err := s.store.Create(ctx, &Alert{
		PatientID:        r.PatientID,
		PatientName:      r.PatientName,
		Test:             finding.Test,
		Value:            r.Value,
		Unit:             unit,
		Severity:         finding.Severity,
		Message:          finding.Message,
		Department:       r.Department,
		Physician:        r.Physician,
		Source:           r.Source,
		EscalationLevel:  int(escalation.TierPrimary),
		NextEscalationAt: &nextAt,
		CollectedAt:      r.CollectedAt,
		CreatedAt:        now,
	})
	if errors.Is(err, ErrDuplicate) {
		s.logger.Info("duplicate critical value suppressed",
			"alert_id", a.ID, "patient_id", a.PatientID, "test", a.Test, "value", r.Value)
		s.publish(EventAlertDuplicate, a)
		return a, err
	}
	if err != nil {
		return nil, err
	}

	s.logger.Warn("critical value alert",
		"alert_id", a.ID,
		"patient_id", a.PatientID,
		"test", a.Test,
		"value", a.Value,
		"severity", a.Severity,
		"message", a.Message,
	)

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, a, escalation.TierPrimary, policy.Primary); err != nil {
			s.logger.Error("primary notification incomplete", "alert_id", a.ID, "error", err)
		}
	}
	s.publish(EventAlertCreated, a)
	return a, nil
}

// Acknowledge records who took responsibility for an alert.
func (s *Service) Acknowledge(ctx context.Context, id, by, note string) (*Alert, error) {
	a, err := s.store.Acknowledge(ctx, id, by, note)
	if err != nil {
		return nil, err
	}

	fields := []any{"alert_id", a.ID, "acknowledged_by", a.AcknowledgedBy}
	if rt, ok := a.ResponseTime(); ok {
		fields = append(fields, "response_minutes", rt.Minutes())
	}
	s.logger.Info("alert acknowledged", fields...)
	s.publish(EventAlertAcknowledged, a)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Alert, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Alert, error) {
	return s.store.List(ctx, f)
}

func (s *Service) CountOpen(ctx context.Context) (int, error) {
	return s.store.CountOpen(ctx)
}

func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	return s.store.Metrics(ctx)
}

func (s *Service) Audit(ctx context.Context, alertID string, limit int) ([]AuditEntry, error) {
	return s.store.Audit(ctx, alertID, limit)
}

func (s *Service) Notifications(ctx context.Context, alertID string) ([]Notification, error) {
	return s.store.Notifications(ctx, alertID)
}

// Thresholds exposes the active range table.
func (s *Service) Thresholds() []thresholds.Range {
	return s.table.All()
}

func (s *Service) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}
