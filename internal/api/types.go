package api

import "github.com/mattjoyce/critvals/internal/alert"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string   `json:"status"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	OpenAlerts       int      `json:"open_alerts"`
	Sources          []string `json:"sources"`
	EventSubscribers int      `json:"event_subscribers"`
}

// Outcome of one submitted result.
const (
	OutcomeAlert     = "alert"
	OutcomeDuplicate = "duplicate"
	OutcomeNormal    = "normal"
	OutcomeRejected  = "rejected"
)

// ResultOutcome reports what happened to the result at Index.
type ResultOutcome struct {
	Index   int          `json:"index"`
	Outcome string       `json:"outcome"`
	Alert   *alert.Alert `json:"alert,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ResultsResponse is returned by POST /results.
type ResultsResponse struct {
	Alerts   []*alert.Alert  `json:"alerts"`
	Outcomes []ResultOutcome `json:"outcomes"`
}

// AlertsResponse is returned by GET /alerts.
type AlertsResponse struct {
	Alerts []*alert.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// AlertDetailResponse is returned by GET /alerts/{id}.
type AlertDetailResponse struct {
	*alert.Alert
	Notifications []alert.Notification `json:"notifications"`
}

// AckRequest is the JSON body for POST /alerts/{id}/ack.
type AckRequest struct {
	By   string `json:"by"`
	Note string `json:"note,omitempty"`
}

// AuditResponse is returned by GET /audit.
type AuditResponse struct {
	Entries []alert.AuditEntry `json:"entries"`
}
