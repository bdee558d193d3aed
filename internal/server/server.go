// Package server is the HTTP and WebSocket edge: the REST API over the
// engine's components and the event stream relaying cache pub/sub to
// connected clients.
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
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uplinklabs/netmon/internal/cache"
	"github.com/uplinklabs/netmon/internal/config"
	"github.com/uplinklabs/netmon/internal/history"
	"github.com/uplinklabs/netmon/internal/ingest"
)

// Scheduler is the scheduling surface the API needs.
type Scheduler interface {
	Reconfigure(ctx context.Context, snap *config.Snapshot) error
	Pause()
	Resume()
	Stats() map[string]any
}

// Ingestor is the collector-push surface the API needs.
type Ingestor interface {
	HandlePing(metrics []ingest.Metric)
	HandleSNMP(metrics []ingest.Metric)
	Stats() map[string]any
}

// StatsSource is any component exposing a diagnostic blob.
type StatsSource interface {
	Stats() map[string]any
}

// Config for the Server.
type Config struct {
	Logger  *slog.Logger
	Addr    string
	Version string
	DataDir string

	ConfigStore *config.Store
	Cache       *cache.Cache
	History     *history.Store
	Batch       StatsSource
	Scheduler   Scheduler
	Ingestor    Ingestor
	Flap        StatsSource

	Clock clockwork.Clock
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ConfigStore == nil {
		return errors.New("config store is required")
	}
	if c.Cache == nil {
		return errors.New("cache is required")
	}
	if c.History == nil {
		return errors.New("history store is required")
	}
	if c.Scheduler == nil {
		return errors.New("scheduler is required")
	}
	if c.Ingestor == nil {
		return errors.New("ingestor is required")
	}
	if c.Addr == "" {
		c.Addr = ":5000"
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server serves the API and the WebSocket stream.
type Server struct {
	log     *slog.Logger
	cfg     *Config
	router  chi.Router
	hub     *hub
	started time.Time
}

// New constructs the server and its routes.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: error validating config: %w", err)
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		hub:     newHub(cfg.Logger, cfg.Cache),
		started: cfg.Clock.Now(),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-None-Match"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/history/{deviceID}", s.handleHistory)
		r.Get("/config", s.handleGetConfig)
		r.Post("/config", s.handlePostConfig)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/system/stats", s.handleSystemStats)
		r.Post("/system/reset", s.handleReset)
		r.Post("/metrics/ping", s.handleMetricsPing)
		r.Post("/metrics/snmp", s.handleMetricsSNMP)
		r.Get("/snmp/interfaces/{deviceID}", s.handleInterfaces)
		r.Get("/snmp/flapping-report", s.handleFlappingReport)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})
	r.Get("/ws", s.hub.serveWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// logRequests logs every request with method, path, remote address, status,
// and duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start))
	})
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully. The WebSocket
// relay runs on the same lifetime.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	}
}
