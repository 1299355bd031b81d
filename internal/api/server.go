package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/auth"
	"github.com/mattjoyce/critvals/internal/events"
	"github.com/mattjoyce/critvals/internal/thresholds"
)

// AlertService is what the HTTP layer needs from the alert service.
type AlertService interface {
	Ingest(ctx context.Context, r alert.LabResult) (*alert.Alert, error)
	Acknowledge(ctx context.Context, id, by, note string) (*alert.Alert, error)
	Get(ctx context.Context, id string) (*alert.Alert, error)
	List(ctx context.Context, f alert.Filter) ([]*alert.Alert, error)
	CountOpen(ctx context.Context) (int, error)
	Metrics(ctx context.Context) (*alert.Metrics, error)
	Audit(ctx context.Context, alertID string, limit int) ([]alert.AuditEntry, error)
	Notifications(ctx context.Context, alertID string) ([]alert.Notification, error)
	Thresholds() []thresholds.Range
}

// Config holds API server settings.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Sources names the running ingest feeds, reported by /healthz.
	Sources []string
}

// Server is the authenticated alert API.
type Server struct {
	config    Config
	alerts    AlertService
	events    *events.Hub
	auth      *auth.Authenticator
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New wires a server. A nil hub gets a private one.
func New(config Config, alerts AlertService, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		alerts:    alerts,
		events:    hub,
		auth:      auth.NewAuthenticator(config.APIKey, config.Tokens),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start serves until ctx is cancelled, then drains in-flight requests for
// up to five seconds. It returns ctx.Err() after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.routes(),
		BaseContext: func(net.Listener) context.Context { return ctx },
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	if s.auth.Enabled() {
		s.logger.Info("API listening", "listen", s.config.Listen)
	} else {
		s.logger.Warn("API listening without authentication", "listen", s.config.Listen)
	}

	served := make(chan error, 1)
	go func() { served <- s.server.ListenAndServe() }()

	select {
	case err := <-served:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	drain, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(drain); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.logger.Info("API stopped")
	return ctx.Err()
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		scoped := func(scope string) chi.Router { return r.With(s.requireScopes(scope)) }

		scoped(auth.ScopeResultsRW).Post("/results", s.handlePostResults)
		scoped(auth.ScopeAlertsRO).Get("/alerts", s.handleListAlerts)
		scoped(auth.ScopeAlertsRO).Get("/alerts/{id}", s.handleGetAlert)
		scoped(auth.ScopeAlertsRW).Post("/alerts/{id}/ack", s.handleAckAlert)
		scoped(auth.ScopeAlertsRO).Get("/metrics", s.handleMetrics)
		scoped(auth.ScopeAlertsRO).Get("/thresholds", s.handleThresholds)
		scoped(auth.ScopeAuditRO).Get("/audit", s.handleAudit)
		scoped(auth.ScopeEventsRO).Get("/events", s.handleEvents)
	})
	return r
}

// logRequests records method, route, status and latency. Bodies are never
// logged; they carry patient data.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
