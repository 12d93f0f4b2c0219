package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fawry-gateway/internal/config"
	"github.com/fawry-gateway/internal/handlers"
	customMiddleware "github.com/fawry-gateway/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
	checks  map[string]handlers.HealthChecker
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler, checks map[string]handlers.HealthChecker) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
		checks:  checks,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// Public health check
	r.Get("/health", s.handler.HealthCheck(s.checks))

	// Browser return route from the hosted 3DS page
	r.Get("/fawry-callback", s.handler.FawryCallback)

	// Internal endpoints (requires internal authentication)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))
		r.Post("/initiate", s.handler.InitiatePayment)
		r.Post("/admin/credentials", s.handler.SetProductionCredentials)
		r.Get("/transactions", s.handler.ListTransactions)
	})

	// Provider webhook endpoint (IP filtered + size limited)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.IPFilter(s.config.FawryIPs))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/fawry/webhook", s.handler.FawryWebhook)
	})

	log.Println("Routes configured successfully")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	log.Printf("Starting HTTP server on %s", addr)

	return http.ListenAndServe(addr, s.router)
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
