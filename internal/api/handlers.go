package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/ingest"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

const (
	maxResultsBody = 1 << 20
	defaultLimit   = 100
	maxLimit       = 1000
)

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	open, err := s.alerts.CountOpen(r.Context())
	if err != nil {
		s.logger.Error("failed to count open alerts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count open alerts")
		return
	}

	sources := s.config.Sources
	if sources == nil {
		sources = []string{}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		OpenAlerts:       open,
		Sources:          sources,
		EventSubscribers: s.events.Subscribers(),
	})
}

// handlePostResults handles POST /results. The body is one result or an
// array of results; each is evaluated independently.
func (s *Server) handlePostResults(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResultsBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxResultsBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	results, err := ingest.Decode(body, "api")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A named token's results are attributed to it whatever the body says.
	if name := principalName(r); name != "" {
		for i := range results {
			results[i].Source = name
		}
	}
	if len(results) == 0 {
		s.writeError(w, http.StatusBadRequest, "no results submitted")
		return
	}

	resp := ResultsResponse{Alerts: []*alert.Alert{}, Outcomes: make([]ResultOutcome, 0, len(results))}
	rejected := 0
	for i, res := range results {
		a, err := s.alerts.Ingest(r.Context(), res)
		out := ResultOutcome{Index: i}
		switch {
		case errors.Is(err, alert.ErrDuplicate):
			out.Outcome = OutcomeDuplicate
			out.Alert = a
		case errors.Is(err, alert.ErrInvalidResult):
			out.Outcome = OutcomeRejected
			out.Error = err.Error()
			rejected++
		case err != nil:
			s.logger.Error("failed to ingest result", "index", i, "patient_id", res.PatientID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to store result")
			return
		case a == nil:
			out.Outcome = OutcomeNormal
		default:
			out.Outcome = OutcomeAlert
			out.Alert = a
			resp.Alerts = append(resp.Alerts, a)
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}

	if rejected == len(results) {
		s.writeError(w, http.StatusBadRequest, resp.Outcomes[0].Error)
		return
	}
	status := http.StatusOK
	if len(resp.Alerts) > 0 {
		status = http.StatusCreated
	}
	respondJSON(w, status, resp)
}

// handleListAlerts handles GET /alerts
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status, err := alert.ParseStatus(q.Get("status"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var severity thresholds.Severity
	if v := strings.TrimSpace(q.Get("severity")); v != "" {
		severity, err = thresholds.ParseSeverity(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := s.alerts.List(r.Context(), alert.Filter{
		Status:    status,
		Severity:  severity,
		PatientID: strings.TrimSpace(q.Get("patient")),
		Limit:     limit,
	})
	if err != nil {
		s.logger.Error("failed to list alerts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if list == nil {
		list = []*alert.Alert{}
	}
	respondJSON(w, http.StatusOK, AlertsResponse{Alerts: list, Count: len(list)})
}

// handleGetAlert handles GET /alerts/{id}
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a, err := s.alerts.Get(r.Context(), id)
	if errors.Is(err, alert.ErrAlertNotFound) {
		s.writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get alert", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve alert")
		return
	}

	notes, err := s.alerts.Notifications(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load notifications", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve notifications")
		return
	}
	if notes == nil {
		notes = []alert.Notification{}
	}
	respondJSON(w, http.StatusOK, AlertDetailResponse{Alert: a, Notifications: notes})
}

// handleAckAlert handles POST /alerts/{id}/ack
func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AckRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.By = strings.TrimSpace(req.By)
	if req.By == "" {
		req.By = principalName(r)
	}
	if req.By == "" {
		s.writeError(w, http.StatusBadRequest, "by is required")
		return
	}

	a, err := s.alerts.Acknowledge(r.Context(), id, req.By, req.Note)
	switch {
	case errors.Is(err, alert.ErrAlertNotFound):
		s.writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, alert.ErrAlreadyAcknowledged):
		s.writeError(w, http.StatusConflict, "alert already acknowledged")
	case err != nil:
		s.logger.Error("failed to acknowledge alert", "alert_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
	default:
		respondJSON(w, http.StatusOK, a)
	}
}

// handleMetrics handles GET /metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.alerts.Metrics(r.Context())
	if err != nil {
		s.logger.Error("failed to compute metrics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute metrics")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// handleThresholds handles GET /thresholds
func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.alerts.Thresholds())
}

// handleAudit handles GET /audit
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.alerts.Audit(r.Context(), strings.TrimSpace(r.URL.Query().Get("alert_id")), limit)
	if err != nil {
		s.logger.Error("failed to read audit log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read audit log")
		return
	}
	if entries == nil {
		entries = []alert.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

func parseLimit(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
