// Package router assembles the HTTP surface. It is a thin collaborator:
// every route delegates to one core service operation, and no business
// rules live at this layer.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/api/handlers"
	"github.com/spendgate/spendgate/internal/config"
	"github.com/spendgate/spendgate/internal/middleware"
	"github.com/spendgate/spendgate/internal/services/budget"
	"github.com/spendgate/spendgate/internal/services/ledger"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/scheduler"
	"github.com/spendgate/spendgate/internal/services/usage"
)

// Deps carries the wired core services into the router. Construction and
// lifecycle stay with cmd/server; the router only exposes them.
type Deps struct {
	Prices    *pricing.Table
	Guard     *budget.Guard
	Usage     *usage.Store
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
}

func New(cfg *config.Config, deps Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(chiMiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/swagger/*", httpSwagger.WrapHandler)

	priceHandler := handlers.NewPriceHandler(deps.Prices, logger)
	budgetHandler := handlers.NewBudgetHandler(deps.Guard, logger)
	usageHandler := handlers.NewUsageHandler(deps.Usage, logger)
	ledgerHandler := handlers.NewLedgerHandler(deps.Ledger, logger)
	taskHandler := handlers.NewTaskHandler(deps.Scheduler, logger)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/prices", func(r chi.Router) {
			r.Post("/", priceHandler.Ingest)
			r.Get("/latest", priceHandler.Latest)
			r.Get("/history", priceHandler.History)
		})

		r.Route("/budgets", func(r chi.Router) {
			r.Get("/{tenantID}", budgetHandler.Get)
			r.Put("/{tenantID}", budgetHandler.Set)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/stats", usageHandler.Stats)
			r.Get("/{tenantID}/summary", usageHandler.Summary)
			r.Get("/{tenantID}/events", usageHandler.Events)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Post("/{tenantID}/init", ledgerHandler.Init)
			r.Post("/{tenantID}/quote", ledgerHandler.Quote)
			r.Post("/{tenantID}/charges", ledgerHandler.Charge)
			r.Get("/{tenantID}/summary", ledgerHandler.Summary)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.Submit)
			r.Get("/{taskID}", taskHandler.Get)
			r.Delete("/{taskID}", taskHandler.Cancel)
			// The websocket stream must dodge the request timeout.
			r.With(noTimeout).Get("/{taskID}/stream", taskHandler.Stream)
		})
	})

	return r
}

// noTimeout strips the router-wide deadline for long-lived streams.
func noTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		_ = rc.SetReadDeadline(time.Time{})
		next.ServeHTTP(w, r)
	})
}
