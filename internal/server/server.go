package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/rewind/internal/api/v1"
	"github.com/gosuda/rewind/internal/api/ws"
	"github.com/gosuda/rewind/internal/config"
	"github.com/gosuda/rewind/internal/server/middleware"
)

// Pinger reports whether a backing service is reachable.
// *postgres.Store and *redisstore.PubSub satisfy this interface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	wsHub      *ws.Hub
	health     map[string]Pinger
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the background
// cleanup of the rate limiters. health maps a component name to its pinger
// for /healthz.
func New(
	ctx context.Context,
	cfg *config.Config,
	pubsub ws.Subscriber,
	orchestrator v1.SessionOrchestrator,
	health map[string]Pinger,
) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	router.Use(middleware.Viewer(cfg.JWT.Secret))

	hub := ws.NewHub(pubsub)

	s := &Server{
		router: router,
		wsHub:  hub,
		health: health,
		cfg:    cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Mount API routes on /api/v1 with two sub-groups:
	// 1. Session routes open to anonymous viewers, who are told to sign in
	//    by the session itself.
	// 2. Routes that require an authenticated viewer.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))

		r.Group(func(r chi.Router) {
			apiConfig := huma.DefaultConfig("Rewind Session API", "1.0.0")
			apiConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			api := humachi.New(r, apiConfig)
			registerSessionRoutes(api, orchestrator)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireViewer())
			r.Use(middleware.RateLimit(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))

			viewerConfig := huma.DefaultConfig("Rewind Viewer API", "1.0.0")
			viewerConfig.Servers = []*huma.Server{
				{URL: "/api/v1"},
			}
			// The first group already serves the OpenAPI document and docs.
			viewerConfig.OpenAPIPath = ""
			viewerConfig.DocsPath = ""
			viewerConfig.SchemasPath = ""
			api := humachi.New(r, viewerConfig)
			registerViewerRoutes(api, orchestrator)
		})
	})

	// WebSocket routes.
	router.Route("/ws", func(r chi.Router) {
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", s.healthz)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("component", name).Msg("server.healthz: ping failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, `{"status":"unavailable","component":%q}`, name)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
