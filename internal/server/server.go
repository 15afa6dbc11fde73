// Package server exposes the admin and claim HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suspectuso/ton-trivia/internal/metrics"
	"github.com/suspectuso/ton-trivia/internal/storage"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

// Service is the round controller as seen by the HTTP layer
type Service interface {
	Create(ctx context.Context, p trivia.CreateParams) (*storage.Round, error)
	Close(ctx context.Context, roundID, agent string) (*trivia.CloseOutcome, error)
	GetRound(ctx context.Context, roundID string) (*trivia.RoundView, error)
	Claim(ctx context.Context, p trivia.ClaimParams) (*trivia.ClaimResult, error)
}

// Pinger reports datastore health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server handles the HTTP API
type Server struct {
	svc            Service
	db             Pinger
	adminToken     string
	trustedProxies []string
	log            *slog.Logger

	server *http.Server
}

// New creates a new API server
func New(svc Service, db Pinger, adminToken string, trustedProxies []string, log *slog.Logger) *Server {
	return &Server{
		svc:            svc,
		db:             db,
		adminToken:     adminToken,
		trustedProxies: trustedProxies,
		log:            log,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(metrics.Middleware)
	r.Use(s.logRequests)
	r.Use(limitBody(1 << 20))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/claim", s.handleClaim)

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/rounds", s.handleCreateRound)
		r.Get("/rounds/{roundID}", s.handleGetRound)
		r.Post("/rounds/{roundID}/close", s.handleCloseRound)
	})

	return r
}

// Start serves on port until ctx is cancelled
func (s *Server) Start(ctx context.Context, port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// claims wait on the chain oracle and the wallet service
		WriteTimeout: 90 * time.Second,
	}

	s.log.Info("starting http server", "port", port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.log.Error("shutdown http server", "error", err)
		}
	}()

	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Error("health check", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
