/**
 * @description
 * This file sets up the HTTP router for the recurring-transfer-service. It
 * defines the API endpoints, associates them with their corresponding handlers,
 * and applies middleware for authentication, logging and timeouts.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RecurringTransferRoutes creates and returns a new router for the service.
func RecurringTransferRoutes(h *RecurringTransferHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/recurring-transfers", h.CreateRecurringTransferHandler)
		r.Get("/recurring-transfers", h.ListRecurringTransfersHandler)
		r.Get("/recurring-transfers/{transferID}", h.GetRecurringTransferHandler)
		r.Delete("/recurring-transfers/{transferID}", h.CancelRecurringTransferHandler)

		// Verification endpoints
		r.Post("/recurring-transfers/{transferID}/verify", h.VerifyRecurringTransferHandler)
		r.Post("/recurring-transfers/{transferID}/resend-code", h.ResendVerificationCodeHandler)
	})

	return r
}
