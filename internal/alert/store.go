package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/critvals/internal/thresholds"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DefaultDedupeWindow is how long a repeat finding is folded into the
// existing open alert.
const DefaultDedupeWindow = 10 * time.Minute

const alertColumns = `id, patient_id, patient_name, test, value, unit, severity, message, department, physician,
  source, status, dedupe_key, escalation_level, next_escalation_at, collected_at, created_at,
  acknowledged_at, acknowledged_by, ack_note`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// Store persists alerts, notification outcomes and the audit trail.
type Store struct {
	db           *sql.DB
	dedupeWindow time.Duration
	now          func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:           db,
		dedupeWindow: DefaultDedupeWindow,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetDedupeWindow changes the duplicate suppression window. Zero disables it.
func (s *Store) SetDedupeWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.dedupeWindow = d
}

// Create inserts a new open alert. If an open alert with the same dedupe key
// was raised inside the dedupe window, the existing alert is returned along
// with an error wrapping ErrDuplicate.
func (s *Store) Create(ctx context.Context, a *Alert) (*Alert, error) {
	if a == nil {
		return nil, fmt.Errorf("alert is nil")
	}
	if a.PatientID == "" || a.Test == "" {
		return nil, fmt.Errorf("%w: patient_id and test are required", ErrInvalidResult)
	}

	now := s.now()
	created := *a
	created.ID = uuid.NewString()
	created.Status = StatusOpen
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.DedupeKey == "" {
		created.DedupeKey = DedupeKey(created.PatientID, created.Test, created.Severity)
	}
	if created.Source == "" {
		created.Source = "api"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dedupeWindow > 0 {
		var existingID string
		err := tx.QueryRowContext(ctx, `
SELECT id FROM alerts
WHERE dedupe_key = ? AND status = ? AND created_at >= ?
ORDER BY created_at DESC
LIMIT 1;
`, created.DedupeKey, StatusOpen, formatTime(now.Add(-s.dedupeWindow))).Scan(&existingID)
		switch {
		case err == nil:
			if err := appendAudit(ctx, tx, existingID, ActionDuplicateSuppressed, created.Source,
				fmt.Sprintf("%s = %s", created.Test, thresholds.FormatValue(created.Value)), now); err != nil {
				return nil, err
			}
			existing, err := getAlert(ctx, tx, existingID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("commit duplicate audit: %w", err)
			}
			return existing, fmt.Errorf("%w: open alert %s", ErrDuplicate, existingID)
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("check duplicate alert: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO alerts(`+alertColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL);
`,
		created.ID, created.PatientID, nullString(created.PatientName), created.Test, created.Value,
		nullString(created.Unit), created.Severity, created.Message, nullString(created.Department),
		nullString(created.Physician), created.Source, created.Status, created.DedupeKey,
		created.EscalationLevel, nullTime(created.NextEscalationAt), nullTime(created.CollectedAt),
		formatTime(created.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	if err := appendAudit(ctx, tx, created.ID, ActionCreated, created.Source, created.Message, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit alert: %w", err)
	}
	return &created, nil
}

// Get loads one alert by id.
func (s *Store) Get(ctx context.Context, id string) (*Alert, error) {
	return getAlert(ctx, s.db, id)
}

func getAlert(ctx context.Context, q queryer, id string) (*Alert, error) {
	row := q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?;`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", id, err)
	}
	return a, nil
}

// List returns alerts matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, f.PatientID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountOpen returns the number of unacknowledged alerts.
func (s *Store) CountOpen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE status = ?;`, StatusOpen).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return n, nil
}

// Acknowledge moves an open alert to acknowledged and stops its escalation.
func (s *Store) Acknowledge(ctx context.Context, id, by, note string) (*Alert, error) {
	if strings.TrimSpace(by) == "" {
		return nil, fmt.Errorf("acknowledged_by is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = ?;`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load alert status: %w", err)
	}
	if Status(status) == StatusAcknowledged {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAcknowledged, id)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
UPDATE alerts
SET status = ?, acknowledged_at = ?, acknowledged_by = ?, ack_note = ?, next_escalation_at = NULL
WHERE id = ? AND status = ?;
`, StatusAcknowledged, formatTime(now), by, nullString(note), id, StatusOpen); err != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}
	if err := appendAudit(ctx, tx, id, ActionAcknowledged, by, note, now); err != nil {
		return nil, err
	}

	a, err := getAlert(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acknowledgement: %w", err)
	}
	return a, nil
}

// DueForEscalation returns open alerts whose next escalation time has passed.
func (s *Store) DueForEscalation(ctx context.Context, now time.Time) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+alertColumns+`
FROM alerts
WHERE status = ? AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?
ORDER BY next_escalation_at ASC, rowid ASC;
`, StatusOpen, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due escalations: %w", err)
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ScheduleEscalation records that an open alert reached level and when the
// following level is due (nil when there is none). It fails with
// ErrAlreadyAcknowledged if the alert was acknowledged in the meantime.
func (s *Store) ScheduleEscalation(ctx context.Context, id string, level int, next *time.Time, detail string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE alerts SET escalation_level = ?, next_escalation_at = ?
WHERE id = ? AND status = ?;
`, level, nullTime(next), id, StatusOpen)
	if err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM alerts WHERE id = ?;`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("load alert status: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyAcknowledged, id)
	}

	if level > 0 {
		if err := appendAudit(ctx, tx, id, ActionEscalated, "scheduler", detail, s.now()); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit escalation: %w", err)
	}
	return nil
}

// RecordNotification stores a delivery outcome and audits it.
func (s *Store) RecordNotification(ctx context.Context, n Notification) error {
	if n.AlertID == "" {
		return fmt.Errorf("notification alert_id is empty")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO notifications(id, alert_id, tier, role, contact, channel, status, attempts, last_error, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, n.ID, n.AlertID, n.Tier, n.Role, n.Contact, n.Channel, n.Status, n.Attempts, nullString(n.LastError),
		formatTime(n.CreatedAt)); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}

	action := ActionNotified
	detail := fmt.Sprintf("%s %s via %s (%s)", n.Tier, n.Role, n.Channel, n.Contact)
	if n.Status != NotificationSent {
		action = ActionNotifyFailed
		detail += ": " + n.LastError
	}
	if err := appendAudit(ctx, tx, n.AlertID, action, "notifier", detail, n.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification: %w", err)
	}
	return nil
}

// Notifications lists delivery outcomes for one alert, oldest first.
func (s *Store) Notifications(ctx context.Context, alertID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, alert_id, tier, role, contact, channel, status, attempts, last_error, created_at
FROM notifications WHERE alert_id = ?
ORDER BY created_at ASC, rowid ASC;
`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n        Notification
			lastErr  sql.NullString
			createdS string
		)
		if err := rows.Scan(&n.ID, &n.AlertID, &n.Tier, &n.Role, &n.Contact, &n.Channel, &n.Status,
			&n.Attempts, &lastErr, &createdS); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.LastError = lastErr.String
		n.CreatedAt = parseTime(createdS)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Audit returns audit entries, newest first. An empty alertID returns
// entries for every alert.
func (s *Store) Audit(ctx context.Context, alertID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, alert_id, action, actor, detail, created_at FROM audit_log`
	args := []any{}
	if alertID != "" {
		query += ` WHERE alert_id = ?`
		args = append(args, alertID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			alert    sql.NullString
			detail   sql.NullString
			createdS string
		)
		if err := rows.Scan(&e.ID, &alert, &e.Action, &e.Actor, &detail, &createdS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.AlertID = alert.String
		e.Detail = detail.String
		e.CreatedAt = parseTime(createdS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Metrics computes alert handling statistics over every stored alert.
func (s *Store) Metrics(ctx context.Context) (*Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, `
SELECT
  COUNT(*),
  COALESCE(SUM(severity = ?), 0),
  COALESCE(SUM(severity = ?), 0),
  COALESCE(SUM(severity = ?), 0),
  COALESCE(SUM(status = ?), 0),
  COALESCE(SUM(status = ?), 0),
  COALESCE(SUM(escalation_level > 0), 0)
FROM alerts;
`, thresholds.SeverityCritical, thresholds.SeverityHigh, thresholds.SeverityModerate,
		StatusOpen, StatusAcknowledged).Scan(
		&m.Total, &m.Critical, &m.High, &m.Moderate, &m.Open, &m.Acknowledged, &m.Escalated,
	)
	if err != nil {
		return nil, fmt.Errorf("compute metrics: %w", err)
	}
	if m.Total > 0 {
		m.AcknowledgmentRate = float64(m.Acknowledged) / float64(m.Total) * 100
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT created_at, acknowledged_at FROM alerts WHERE acknowledged_at IS NOT NULL;
`)
	if err != nil {
		return nil, fmt.Errorf("query response times: %w", err)
	}
	defer rows.Close()

	var (
		total time.Duration
		n     int
	)
	for rows.Next() {
		var createdS, ackS string
		if err := rows.Scan(&createdS, &ackS); err != nil {
			return nil, fmt.Errorf("scan response time: %w", err)
		}
		total += parseTime(ackS).Sub(parseTime(createdS))
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if n > 0 {
		avg := total.Minutes() / float64(n)
		m.AverageResponseMinutes = &avg
	}
	return &m, nil
}

func appendAudit(ctx context.Context, e execer, alertID, action, actor, detail string, at time.Time) error {
	if actor == "" {
		actor = "system"
	}
	_, err := e.ExecContext(ctx, `
INSERT INTO audit_log(alert_id, action, actor, detail, created_at)
VALUES(?, ?, ?, ?, ?);
`, nullString(alertID), action, actor, nullString(detail), formatTime(at))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", action, err)
	}
	return nil
}

func scanAlert(row scanner) (*Alert, error) {
	var (
		a           Alert
		patientName sql.NullString
		unit        sql.NullString
		department  sql.NullString
		physician   sql.NullString
		severityS   string
		statusS     string
		nextEscS    sql.NullString
		collectedS  sql.NullString
		createdS    string
		ackAtS      sql.NullString
		ackBy       sql.NullString
		ackNote     sql.NullString
	)
	if err := row.Scan(
		&a.ID, &a.PatientID, &patientName, &a.Test, &a.Value, &unit, &severityS, &a.Message, &department,
		&physician, &a.Source, &statusS, &a.DedupeKey, &a.EscalationLevel, &nextEscS, &collectedS,
		&createdS, &ackAtS, &ackBy, &ackNote,
	); err != nil {
		return nil, err
	}
	a.PatientName = patientName.String
	a.Unit = unit.String
	a.Department = department.String
	a.Physician = physician.String
	a.Severity = thresholds.Severity(severityS)
	a.Status = Status(statusS)
	a.CreatedAt = parseTime(createdS)
	a.NextEscalationAt = parseNullTime(nextEscS)
	a.CollectedAt = parseNullTime(collectedS)
	a.AcknowledgedAt = parseNullTime(ackAtS)
	a.AcknowledgedBy = ackBy.String
	a.AckNote = ackNote.String
	return &a, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
