package rest

import (
	"database/sql"
	"log/slog"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/nhatpham/payment-service/internal/payment"
	"github.com/nhatpham/payment-service/internal/transport/middleware"
)

func RegisterAllRoutes(router *chi.Mux, db *sql.DB, paymentHandler *payment.Handler, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db)

	router.Use(middleware.RequestID)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	router.Route("/api", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Route("/payments", func(pr chi.Router) {
			pr.Post("/", paymentHandler.CreatePayment)
			pr.Get("/{id}/status", paymentHandler.GetStatus)
			pr.Post("/{id}/cancel", paymentHandler.Cancel)
			pr.Post("/{id}/status-update", paymentHandler.UpdateStatus)
			pr.Get("/{id}/history", paymentHandler.History)

			// Gateway notifications are unauthenticated beyond their own
			// signature schemes; verification happens per adapter.
			pr.Post("/webhooks/{gateway}", paymentHandler.HandleWebhook)

			// Driven by the hosted PayPal checkout page.
			pr.Post("/paypal/orders", paymentHandler.CreatePayPalOrder)
			pr.Post("/paypal/orders/{id}/capture", paymentHandler.CapturePayPalOrder)
		})
	})
}
