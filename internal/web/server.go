// Package web provides the HTTP API for recording presence events and
// maintaining visits.
package web

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evcraddock/visit-tracker/internal/auth"
	"github.com/evcraddock/visit-tracker/internal/dedupe"
	"github.com/evcraddock/visit-tracker/internal/keylock"
	"github.com/evcraddock/visit-tracker/internal/logging"
	"github.com/evcraddock/visit-tracker/internal/upsert"
	"github.com/evcraddock/visit-tracker/internal/visit"
)

// Options configures a Server.
type Options struct {
	Upsert          upsert.Options
	Dedupe          dedupe.Options
	HealthThreshold int
	// Clock overrides the wall clock, mainly for tests.
	Clock func() time.Time
}

// Server is the visit tracker HTTP server.
type Server struct {
	store      *visit.Store
	locks      *keylock.Map
	upsert     *upsert.Service
	dedupeOpts dedupe.Options
	apiKeys    *auth.APIKeyStore
	limiter    *auth.FailureLimiter
	healthMax  int
	mux        *http.ServeMux
	handler    http.Handler
}

// NewServer creates a server backed by the given database.
func NewServer(db *sql.DB, opts Options) *Server {
	store := visit.NewStore(db)
	if opts.Clock != nil {
		store = store.WithClock(opts.Clock)
	}
	locks := keylock.New()

	s := &Server{
		store:      store,
		locks:      locks,
		upsert:     upsert.NewService(store, locks, opts.Upsert),
		dedupeOpts: opts.Dedupe,
		apiKeys:    auth.NewAPIKeyStore(db),
		limiter:    auth.NewFailureLimiter(),
		healthMax:  opts.HealthThreshold,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/events", s.apiRecordEvent)
	s.mux.HandleFunc("GET /api/visits", s.apiListVisits)
	s.mux.HandleFunc("GET /api/visits/{id}", s.apiGetVisit)
	s.mux.HandleFunc("PATCH /api/visits/{id}", s.apiAnnotateVisit)

	s.mux.HandleFunc("POST /api/admin/sanitize", s.apiSanitize)
	s.mux.HandleFunc("POST /api/admin/dedupe", s.apiDedupe)
	s.mux.HandleFunc("GET /api/admin/guard", s.apiGuardStatus)
	s.mux.HandleFunc("POST /api/admin/guard", s.apiInstallGuard)
	s.mux.HandleFunc("GET /api/admin/health", s.apiHealthCheck)
	s.mux.HandleFunc("POST /api/admin/close-abandoned", s.apiCloseAbandoned)

	s.handler = logging.RequestLogger(auth.RequireAPIKey(s.apiKeys, s.limiter, s.mux))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// APIKeys returns the server's API key store.
func (s *Server) APIKeys() *auth.APIKeyStore {
	return s.apiKeys
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully. A positive sweepInterval runs the abandoned-visit sweeper
// alongside the server.
func (s *Server) ListenAndServe(ctx context.Context, port int, sweepInterval time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if sweepInterval > 0 {
		go s.RunSweeper(ctx, sweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// RunSweeper closes abandoned open visits every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.upsert.CloseAbandoned(ctx)
			if err != nil {
				slog.Error("sweeping abandoned visits", "err", err)
				continue
			}
			if len(report.Closed) > 0 || report.Skipped > 0 {
				slog.Info("swept abandoned visits", "closed", len(report.Closed), "skipped", report.Skipped)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apiJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
