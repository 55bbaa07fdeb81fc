// Package router assembles the HTTP surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/healthsched/platform/internal/api/handlers"
)

// Config holds router configuration.
type Config struct {
	ChatHandler    *handlers.ChatHandler
	MetricsHandler http.Handler
}

// New creates a Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/healthz", cfg.ChatHandler.HealthCheck)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/chat", func(r chi.Router) {
		r.Post("/start", cfg.ChatHandler.Start)
		r.Post("/{threadID}/messages", cfg.ChatHandler.Message)
		r.Get("/{threadID}/history", cfg.ChatHandler.History)
	})

	return r
}
