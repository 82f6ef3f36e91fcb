/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, jwtSecret, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Internal service-to-service endpoints.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/accounts", h.CreateAccountHandler)
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret, jwksURL))

		// Account endpoints
		r.Get("/accounts/me", h.GetAccountHandler)
		r.Get("/accounts/me/events", h.ListLedgerEventsHandler)
		r.Get("/accounts/me/audit", h.AuditAccountHandler)

		// Redemption token endpoints
		r.Post("/tokens", h.CreateTokenHandler)
		r.Get("/tokens", h.ListTokensHandler)
		r.Get("/tokens/lookup", h.LookupTokenHandler)
		r.Post("/tokens/{token_id}/redeem", h.RedeemTokenHandler)
		r.Post("/tokens/{token_id}/cancel", h.CancelTokenHandler)

		// Point store endpoints
		r.Get("/store/items", h.ListStoreItemsHandler)
		r.Post("/store/items/{item_id}/purchase", h.PurchaseItemHandler)

		// Achievement endpoints
		r.Get("/achievements", h.ListAchievementsHandler)
		r.Get("/achievements/progress", h.GetProgressHandler)
		r.Post("/achievements/{achievement_id}/claim", h.ClaimAchievementHandler)
	})

	return r
}
