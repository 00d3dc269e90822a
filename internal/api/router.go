package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Fantasim/chainwatch/internal/api/handlers"
	"github.com/Fantasim/chainwatch/internal/api/middleware"
	"github.com/Fantasim/chainwatch/internal/config"
	"github.com/Fantasim/chainwatch/internal/db"
	"github.com/Fantasim/chainwatch/internal/models"
	"github.com/Fantasim/chainwatch/internal/watcher"
)

// Dependencies holds all service references needed by the API layer.
type Dependencies struct {
	DB              *db.DB
	TxWatcher       *watcher.TransactionConfirmationWatcher
	BalanceWatchers map[models.PropertyID]*watcher.BalanceWatcher
	Config          *config.Config
}

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(deps *Dependencies) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogging)

	r.Get("/api/health", handlers.HealthHandler(deps.DB, deps.Config))

	r.Route("/api", func(r chi.Router) {
		r.Post("/callbacks", handlers.RegisterCallbackHandler(deps.DB))
		r.Get("/callbacks/{id}/invocations", handlers.ListInvocationsHandler(deps.DB))

		r.Post("/rules", handlers.CreateRuleHandler(deps.DB, deps.TxWatcher, deps.Config))
		r.Get("/rules/{id}", handlers.GetRuleHandler(deps.DB))

		r.Post("/balance-rules", handlers.CreateBalanceRuleHandler(deps.DB, deps.BalanceWatchers, deps.Config))
		r.Get("/balance-rules/{id}", handlers.GetBalanceRuleHandler(deps.DB))
	})

	slog.Info("router initialized", "middleware", []string{"realIP", "recoverer", "requestLogging"})
	return r
}
