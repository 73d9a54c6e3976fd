package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// NewRouter builds the chi mux for bulkmail's HTTP surface (spec.md §6).
func NewRouter(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "x-user-id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Group(func(r chi.Router) {
		// Submitting a campaign fans out to the Store and the Queue; cap
		// the rate per caller so a retry storm can't do it for free.
		r.Use(httprate.LimitByIP(20, time.Minute))
		r.Post("/emails/schedule", h.ScheduleCampaign)
	})

	r.Get("/emails/scheduled", h.ListScheduled)
	r.Get("/emails/sent", h.ListSent)
	r.Get("/emails/schedule/{id}", h.GetCampaign)
	r.Get("/emails/queue/status", h.QueueStatus)

	return r
}
