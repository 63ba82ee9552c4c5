// Package server provides the HTTP API, middleware, and handlers for the
// access guard gateway.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/chat"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/ledger"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
	"github.com/AmitNaikRepository/AI-Access-Guard/internal/pipeline"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API and the chat endpoint.
type Server struct {
	router      *chi.Mux
	verifier    *auth.Verifier
	users       *auth.UserStore
	engine      *pipeline.Engine
	ledgerStore *ledger.Store
	chatHandler *chat.Handler
	corsOrigins []string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"] for development).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server with the required dependencies.
func NewServer(
	verifier *auth.Verifier,
	users *auth.UserStore,
	engine *pipeline.Engine,
	ledgerStore *ledger.Store,
	chatHandler *chat.Handler,
	opts ...Option,
) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		verifier:    verifier,
		users:       users,
		engine:      engine,
		ledgerStore: ledgerStore,
		chatHandler: chatHandler,
		corsOrigins: []string{"*"},
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. The chat endpoint skips the
// request timeout because sessions are long-lived; everything else gets 60s.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)

	// Chat authenticates inside the handshake; the credential rides the
	// token query parameter, not the Authorization header.
	r.Get("/ws/chat", s.chatHandler.ServeHTTP)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.verifier))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/me", s.handleMe)
		r.Get("/role-info", s.handleRoleInfo)
		r.Post("/v1/query", s.handleQuery)

		// Metrics carry aggregate cost data; employees cannot read them.
		r.Group(func(r chi.Router) {
			r.Use(RequireRoles(auth.RoleManager, auth.RoleFounder))
			r.Get("/v1/metrics", s.handleMetrics)
			r.Get("/v1/metrics/hourly", s.handleMetricsHourly)
			r.Get("/v1/metrics/daily", s.handleMetricsDaily)
		})
	})

	return r
}
