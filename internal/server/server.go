// Package server exposes the control plane's HTTP surface: the inbound
// webhook endpoint, the health check, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/fleetd/internal/health"
	"github.com/terrpan/fleetd/internal/webhook"
)

// maxBodySize caps inbound webhook payloads at 4 MiB.
const maxBodySize = 4 << 20

// Config holds the Server's collaborators.
type Config struct {
	Addr       string
	Dispatcher *webhook.Dispatcher
	Backends   []string
	Logger     *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	http       *http.Server
	dispatcher *webhook.Dispatcher
	logger     *slog.Logger
}

// New creates a Server with its routes mounted.
func New(cfg Config) *Server {
	s := &Server{
		dispatcher: cfg.Dispatcher,
		logger:     cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook", s.handleWebhook)
	r.Get("/healthz", health.Handler(cfg.Backends))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleWebhook reads the exact raw body before verification; the
// signature covers the byte sequence, not the parsed form.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	err = s.dispatcher.Handle(r.Context(), body, sig)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)

	case errors.Is(err, webhook.ErrBadSignature):
		s.logger.Warn("webhook rejected: bad signature",
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "signature mismatch", http.StatusUnauthorized)

	case errors.Is(err, webhook.ErrUnknownCredential):
		s.logger.Warn("webhook rejected: unknown origin",
			slog.String("remote", r.RemoteAddr),
		)
		http.Error(w, "unknown origin", http.StatusUnauthorized)

	default:
		s.logger.Error("webhook dispatch failed", slog.String("error", err.Error()))
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
	}
}
