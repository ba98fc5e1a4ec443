// Package api exposes the campaign control surface over HTTP: lifecycle
// transitions, contact uploads, concurrency changes, stats and the carrier
// webhook.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	// Carrier callbacks come in unauthenticated; matching is done on the
	// call sid and the custom field.
	r.Post("/webhooks/call-status", h.webhook.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns/{campaignId}", func(r chi.Router) {
			r.Post("/start", h.HandleStart)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Post("/cancel", h.HandleCancel)
			r.Post("/contacts", h.HandleAddContacts)
			r.Post("/retry-failed", h.HandleRetryFailed)
			r.Patch("/concurrency", h.HandleUpdateConcurrency)
			r.Get("/stats", h.HandleStats)
		})
	})

	return r
}

// Response helpers

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
