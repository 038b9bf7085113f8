/**
 * @description
 * This file sets up the HTTP router for the booking-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the cross-cutting settings of the HTTP surface.
type RouterConfig struct {
	Auth           AuthConfig
	AllowedOrigins []string
	// Gatherer backs /metrics. The default registry is used when nil.
	Gatherer prometheus.Gatherer
}

// BookingRoutes creates and returns a new router for the booking service.
func BookingRoutes(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// The gateway authenticates webhooks by signature, not bearer token.
	r.Post("/payments/webhook", h.WebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth, h.logger))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/create-intent", h.CreatePaymentIntentHandler)
			r.Post("/confirm", h.ConfirmPaymentHandler)
			r.Post("/{id}/refund", h.RefundHandler)
			r.Post("/{id}/manual-refund", h.ManualRefundHandler)
		})

		r.Route("/tfc", func(r chi.Router) {
			r.Post("/create", h.CreateTFCBookingHandler)
			r.Post("/confirm/{id}", h.ConfirmTFCHandler)
			r.Post("/part-paid/{id}", h.PartPaidHandler)
			r.Post("/cancel/{id}", h.CancelTFCHandler)
			r.Post("/bulk-confirm", h.BulkConfirmHandler)
			r.Post("/process-expired", h.ProcessExpiredHandler)
			r.Post("/convert-to-credit/{id}", h.ConvertToCreditHandler)
		})
	})

	return r
}
