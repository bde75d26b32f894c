// Package api exposes the custody ledger over a JSON HTTP API.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/erazemk/custody/internal/auth"
	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/idempotency"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/registry"
)

// Config holds the router's dependencies.
type Config struct {
	DB          *db.DB
	Ledger      *ledger.Ledger
	Registry    *registry.Registry
	Idempotency idempotency.Store
	JWTSecret   string

	// Metrics, when set, is served on /metrics.
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

// NewRouter creates the API router with all endpoints registered.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Idempotency
	if store == nil {
		store = idempotency.NewMemoryStore(idempotency.DefaultTTL)
	}
	tokens := auth.NewTokens(cfg.JWTSecret)

	authHandler := &AuthHandler{DB: cfg.DB, Ledger: cfg.Ledger, Tokens: tokens}
	usersHandler := &UsersHandler{DB: cfg.DB}
	holdersHandler := &HoldersHandler{DB: cfg.DB, Ledger: cfg.Ledger}
	itemsHandler := &ItemsHandler{DB: cfg.DB, Ledger: cfg.Ledger, Registry: cfg.Registry}
	transfersHandler := &TransfersHandler{DB: cfg.DB, Ledger: cfg.Ledger}

	requireAdmin := RequireRole(model.RoleAdmin)
	requireManager := RequireRole(model.RoleManager)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Public: login.
		r.Post("/auth/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(tokens, cfg.DB))
			r.Use(idempotency.Middleware(store, func(r *http.Request) string {
				return GetClaims(r.Context()).Username
			}, logger))

			r.Get("/auth/me", authHandler.Me)
			r.Put("/auth/password", authHandler.ChangePassword)
			r.Post("/auth/logout", authHandler.Logout)

			// Users (admin only).
			r.Route("/users", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/", usersHandler.List)
				r.Post("/", usersHandler.Create)
				r.Get("/{id}", usersHandler.Get)
				r.Put("/{id}", usersHandler.Update)
				r.Put("/{id}/password", usersHandler.ResetPassword)
				r.Delete("/{id}", usersHandler.Delete)
			})

			// Holders: read (all roles), write (manager+).
			r.Route("/holders", func(r chi.Router) {
				r.Get("/", holdersHandler.List)
				r.Get("/{id}", holdersHandler.Get)
				r.Get("/{id}/items", holdersHandler.Items)
				r.With(requireManager).Post("/", holdersHandler.Create)
				r.With(requireManager).Put("/{id}", holdersHandler.Update)
				r.With(requireManager).Delete("/{id}", holdersHandler.Delete)
			})

			// Items: read (all roles), registration and splits (manager+),
			// confirmation by the recipient's operators.
			r.Route("/items", func(r chi.Router) {
				r.Get("/", itemsHandler.List)
				r.Get("/{id}", itemsHandler.Get)
				r.Get("/{id}/location", itemsHandler.Location)
				r.Get("/{id}/history", itemsHandler.History)
				r.Get("/{id}/image", itemsHandler.GetImage)
				r.Get("/{id}/confirm", itemsHandler.CheckConfirm)
				r.Post("/{id}/confirm", itemsHandler.Confirm)
				r.With(requireManager).Post("/", itemsHandler.Intake)
				r.With(requireManager).Put("/{id}", itemsHandler.Update)
				r.With(requireManager).Put("/{id}/image", itemsHandler.UploadImage)
				r.With(requireManager).Post("/{id}/split", itemsHandler.Split)
			})

			// Transfers (all roles).
			r.Route("/transfers", func(r chi.Router) {
				r.Get("/", transfersHandler.List)
				r.Post("/", transfersHandler.Create)
				r.Post("/check", transfersHandler.Check)
			})
		})
	})

	return r
}
