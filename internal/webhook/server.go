package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/critvals/internal/alert"
	"github.com/mattjoyce/critvals/internal/ingest"
)

// Server is an ingest.Source fed by signed HTTP POSTs.
type Server struct {
	config    Config
	logger    *slog.Logger
	endpoints map[string]EndpointConfig
}

var _ ingest.Source = (*Server)(nil)

// New validates cfg and applies endpoint defaults.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoints := make(map[string]EndpointConfig, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints[ep.Path] = ep.withDefaults()
	}
	return &Server{config: cfg, logger: logger, endpoints: endpoints}, nil
}

func (s *Server) Name() string { return "webhook:" + s.config.Listen }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, h ingest.Handler) error {
	srv := &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(h),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("webhook receiver starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook receiver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook receiver shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("webhook receiver: %w", err)
	}
}

// Handler returns the router with every endpoint bound to h.
func (s *Server) Handler(h ingest.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path, ep := range s.endpoints {
		r.Post(path, s.handleResults(ep, h))
	}
	return r
}

// loggingMiddleware logs request metadata. Bodies carry patient data and
// are never logged.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleResults(ep EndpointConfig, h ingest.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, ep.MaxBodySize+1))
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if int64(len(body)) > ep.MaxBodySize {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}

		if err := verifySignature(body, r.Header.Get(ep.SignatureHeader), ep.Secret); err != nil {
			s.logger.Warn("webhook signature rejected", "path", ep.Path, "header", ep.SignatureHeader)
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}

		results, err := ingest.Decode(body, ep.Source)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		var resp Response
		for i, res := range results {
			err := h(r.Context(), res)
			switch {
			case err == nil:
				resp.Accepted++
			case errors.Is(err, alert.ErrInvalidResult):
				resp.Rejected++
				resp.Errors = append(resp.Errors, fmt.Sprintf("result %d: %v", i, err))
			default:
				resp.Failed++
				resp.Errors = append(resp.Errors, fmt.Sprintf("result %d: %v", i, err))
				s.logger.Error("webhook result failed", "path", ep.Path, "index", i, "error", err)
			}
		}

		status := http.StatusAccepted
		switch {
		case resp.Failed > 0:
			status = http.StatusServiceUnavailable
		case resp.Accepted == 0 && resp.Rejected > 0:
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, resp)
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
