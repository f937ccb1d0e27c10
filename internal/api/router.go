// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"log/slog"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slot-claims/backend/internal/api/handlers"
	"github.com/slot-claims/backend/internal/api/middleware"
	"github.com/slot-claims/backend/internal/websocket"
)

// Services are the collaborators the HTTP surface is built over.
type Services struct {
	DB          handlers.Pinger
	Resources   handlers.ResourceStore
	Claims      handlers.ClaimStore
	Views       handlers.ViewSource
	Watcher     handlers.Watcher
	Coordinator handlers.Claimer
	Hub         *websocket.Hub
	Identity    *middleware.Identity
	RateLimiter *middleware.ClaimRateLimiter
	Logger      *slog.Logger
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(s Services) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging(s.Logger))
	r.Use(middleware.ErrorRecovery(s.Logger))

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.Identity.Middleware)

	api.HandleFunc("/health", handlers.HealthCheck(s.DB, s.Hub)).Methods("GET")

	// WebSocket endpoint
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(s.Hub, s.Watcher)).Methods("GET")

	// Resource endpoints
	api.HandleFunc("/resources", handlers.ListResources(s.Views)).Methods("GET")
	api.HandleFunc("/resources", middleware.RequireClaimant(handlers.CreateResource(s.Resources, s.Views))).Methods("POST")
	api.HandleFunc("/resources/{id}", handlers.GetResource(s.Resources)).Methods("GET")
	api.HandleFunc("/resources/{id}", middleware.RequireClaimant(handlers.UpdateResource(s.Resources, s.Views))).Methods("PUT")
	api.HandleFunc("/resources/{id}/availability", handlers.GetAvailability(s.Resources, s.Views, s.Coordinator.Detector())).Methods("GET")

	// Claim endpoints
	createClaim := handlers.CreateClaim(s.Resources, s.Views, s.Coordinator)
	if s.RateLimiter != nil {
		createClaim = s.RateLimiter.Limit(createClaim)
	}
	api.HandleFunc("/resources/{id}/claims", middleware.RequireClaimant(createClaim)).Methods("POST")
	api.HandleFunc("/claims", middleware.RequireClaimant(handlers.ListClaims(s.Views, s.Coordinator))).Methods("GET")
	api.HandleFunc("/claims/{id}", middleware.RequireClaimant(handlers.UpdateClaim(s.Claims, s.Coordinator))).Methods("PATCH")

	return r
}
