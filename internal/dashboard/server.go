// Package dashboard serves the local live view: a JSON API over the realtime
// manager and the REST backend, and a websocket that pushes every state
// change to connected browsers.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/smartmob/pantarei/internal/backend"
	"github.com/smartmob/pantarei/internal/realtime"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Listen   string // e.g. ":8080"
	Manager  *realtime.Manager
	Sync     *realtime.SyncController
	Backend  backend.Client
	Gatherer prometheus.Gatherer // nil disables /metrics
	Logger   zerolog.Logger
}

// Server is the dashboard server.
type Server struct {
	opts     Options
	log      zerolog.Logger
	manager  *realtime.Manager
	sync     *realtime.SyncController
	backend  backend.Client
	hub      *Hub
	analysis *AnalysisSlot
	router   *chi.Mux

	cancel context.CancelFunc
}

// New creates a dashboard server and starts its browser hub.
func New(opts Options) *Server {
	s := &Server{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "dashboard").Logger(),
		manager:  opts.Manager,
		sync:     opts.Sync,
		backend:  opts.Backend,
		analysis: NewAnalysisSlot(),
	}
	s.hub = NewHub(opts.Logger, s.snapshot)

	s.manager.OnChange(s.hub.PublishState)
	s.manager.OnRecords(s.hub.PublishRecords)

	s.setupRouter()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.hub.Run(ctx)

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleGetState)
		r.Put("/selection", s.handleSelect)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/reconnect", s.handleReconnect)
		r.Get("/hub", s.handleHubStatus)

		r.Get("/lines", s.handleGetLines)
		r.Get("/acquisitions/{line}/{station}", s.handleGetAcquisitions)

		r.Route("/stations", func(r chi.Router) {
			r.Get("/", s.handleListStations)
			r.Post("/", s.handleCreateStation)
			r.Get("/{line}/{station}", s.handleGetStation)
			r.Put("/{line}/{station}", s.handleUpdateStation)
			r.Delete("/{line}/{station}", s.handleDeleteStation)
		})

		r.Post("/analysis", s.handleAnalyze)
		r.Get("/analysis/{id}", s.handleGetAnalysis)
		r.Delete("/analysis", s.handleClearAnalysis)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Listen).Msg("starting dashboard server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("dashboard shutdown")
	}
	<-errCh
	return nil
}

// Close stops the browser hub and releases the analyzed image.
func (s *Server) Close() {
	s.cancel()
	s.analysis.Revoke()
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
