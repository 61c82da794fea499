/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     One logrus entry per request
  4. CORS:       Cross-origin requests from the clinic frontend
  5. Auth:       /api only. Bearer JWT -> TenantContext

ROUTE GROUPS:
  /healthz                   Liveness + store ping (public)
  /api/plans/*               Installment plans and payments
  /api/notifications/*       Manual email / WhatsApp sends
  /api/reminders/*           Manual reminder run, run history
  /api/deliveries            Delivery ledger
  /api/quota                 Current month's usage
  /api/scenarios/*           Demo data loaders (only when Handler.Demo is set)

SEE ALSO:
  - handlers.go:      Plan handlers, error mapping
  - notifications.go: Manual sends
  - reminders.go:     Runs, deliveries, quota
  - auth.go:          Token verification
  - scenarios.go:     Demo data
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// DefaultAllowedOrigins is used when the caller passes none.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, allowedOrigins ...string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/cancel", h.CancelPlan)
			r.Get("/{id}/due-state", h.GetDueState)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/send-email", h.SendEmail)
			r.Post("/send-whatsapp", h.SendWhatsApp)
		})

		r.Route("/reminders", func(r chi.Router) {
			r.Post("/run", h.RunReminders)
			r.Get("/runs", h.ListRuns)
		})

		r.Get("/deliveries", h.ListDeliveries)
		r.Get("/deliveries/{id}", h.GetDelivery)
		r.Get("/quota", h.GetQuota)

		if h.Demo != nil {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Info("request handled")
		})
	}
}
