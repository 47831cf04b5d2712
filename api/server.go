/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. RequestID:     unique ID per request, echoed in logs
  2. RequestLogger: zerolog request log + request-scoped logger in context
  3. Recoverer:     panic recovery (500 instead of crash)
  4. CORS:          admin frontend origins from config

ROUTE GROUPS:
  /api/accounts/{user}/{card}/*  Balance, history, adjustments, close
  /api/transactions/*            Ingest, quote, accrue, reverse
  /api/rules/*, /api/campaigns/* Catalog administration (no delete)
  /api/rewards/*                 Reward catalog
  /api/redemptions/*             Redemption state machine
  /api/admin/*                   Sweeps, buckets, reconciliation
  /api/scenarios/*               Demo data (development only)

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating gateway.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/loyalty/serve.go: server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a router with all routes configured. allowedOrigins may be empty.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Route("/{user}/{card}", func(r chi.Router) {
				r.Get("/", h.GetAccount)
				r.Get("/movements", h.GetMovements)
				r.Get("/reconcile", h.ReconcileAccount)
				r.Post("/adjustments", h.CreateAdjustment)
				r.Post("/close", h.CloseAccount)
			})
		})

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.IngestTransaction)
			r.Post("/quote", h.QuoteTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Post("/{id}/accrue", h.AccrueTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
			r.Post("/{id}/process", h.ProcessTransaction)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Get("/{id}", h.GetRule)
			r.Patch("/{id}", h.PatchRule)
			r.Post("/{id}/activate", h.ActivateRule)
			r.Post("/{id}/deactivate", h.DeactivateRule)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Patch("/{id}", h.PatchCampaign)
			r.Post("/{id}/activate", h.ActivateCampaign)
			r.Post("/{id}/deactivate", h.DeactivateCampaign)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/", h.SaveReward)
			r.Get("/{id}", h.GetReward)
			r.Post("/{id}/restock", h.RestockReward)
			r.Post("/{id}/deactivate", h.DeactivateReward)
		})

		r.Route("/redemptions", func(r chi.Router) {
			r.Get("/", h.ListRedemptions)
			r.Post("/", h.CreateRedemption)
			r.Get("/{id}", h.GetRedemption)
			r.Post("/{id}/approve", h.ApproveRedemption)
			r.Post("/{id}/complete", h.CompleteRedemption)
			r.Post("/{id}/deny", h.DenyRedemption)
			r.Post("/{id}/cancel", h.CancelRedemption)
		})

		if h.Scenarios {
			r.Get("/scenarios", h.ListScenarios)
			r.Post("/scenarios/load", h.LoadScenario)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Post("/expire-aged", h.TriggerAgedSweep)
			r.Post("/buckets", h.RefreshBuckets)
			r.Get("/sweep-runs", h.ListSweepRuns)
			r.Get("/reconcile", h.ReconcileAll)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})
	return r
}
