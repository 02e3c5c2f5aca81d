package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"scriptd/internal/config"
	"scriptd/internal/executor"
	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

// Server is the HTTP and WebSocket front end of the script manager.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
	stop       context.CancelFunc
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, store storage.Store, orch *executor.Orchestrator, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(store, orch, metrics, cfg.Database.Driver)
	bg, stop := context.WithCancel(context.Background())

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
		stop:      stop,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all API requests will be rejected")
		}
	}

	r := chi.NewRouter()
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(SecurityHeadersMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", cfg.Security.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
	}))
	r.Use(RateLimitMiddleware(bg, cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst))
	r.Use(MetricsMiddleware(metrics))
	r.Use(MaxBodyMiddleware(cfg.Server.MaxRequestBody))

	// Banner, health and metrics bypass auth.
	r.Get("/", handlers.HandleRoot)
	r.Get("/health", s.handleHealth(store, orch))
	if cfg.Metrics.Enabled && metrics != nil {
		r.Handle(cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys, cfg.Security.AllowUnauthenticated))

		r.Route("/api", func(r chi.Router) {
			r.Route("/scripts", func(r chi.Router) {
				r.Get("/", handlers.HandleListScripts)
				r.Post("/", handlers.HandleCreateScript)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handlers.HandleGetScript)
					r.Put("/", handlers.HandleUpdateScript)
					r.Patch("/", handlers.HandleUpdateScript)
					r.Delete("/", handlers.HandleDeleteScript)
					r.Post("/execute/stream", handlers.HandleExecuteStream)
				})
			})
			r.Route("/executions", func(r chi.Router) {
				r.Get("/", handlers.HandleListExecutions)
				r.Get("/{id}", handlers.HandleGetExecution)
				r.Delete("/{id}", handlers.HandleCancelExecution)
			})
			r.Get("/stats", handlers.HandleStats)
		})

		r.Get("/ws/execute/{id}", handlers.HandleExecuteWS(newUpgrader(cfg.Security.AllowedOrigins)))
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Streaming requests only finish once their runs do, so the orchestrator
// should be shut down first.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	defer s.stop()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(store storage.Store, orch *executor.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbOK := store == nil || store.Healthy(r.Context())

		resp := HealthResponse{
			Status:     "ok",
			Database:   dbOK,
			ActiveRuns: orch.ActiveCount(),
			Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		}

		status := http.StatusOK
		if !dbOK {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
