// Package server assembles the stores, the reservation engine and the HTTP
// API from a Config.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"golang.org/x/time/rate"

	"biblioteca/internal/catalog"
	"biblioteca/internal/circulation"
	"biblioteca/internal/clients"
	"biblioteca/internal/clock"
	"biblioteca/internal/config"
	"biblioteca/internal/httpx"
	"biblioteca/internal/query"
	"biblioteca/internal/storage"
	"biblioteca/internal/sweeper"
	"biblioteca/pkg/eventstore"
)

// App is a fully wired service.
type App struct {
	Books       catalog.Store
	Catalog     catalog.Service
	Circulation circulation.Service
	Locker      circulation.Locker
	Sweeper     *sweeper.Sweeper
	Query       query.Service
	Router      http.Handler

	db *sqlx.DB
}

// Build wires the service described by cfg. With no database URL every
// store lives in memory and the per-book lock is process local.
func Build(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*App, error) {
	app := &App{}

	var (
		reservations circulation.Store
		locker       circulation.Locker
		journal      circulation.Journal
		queryLog     query.Log
	)
	if cfg.UseMemory() {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		app.Books = catalog.NewMemoryStore()
		reservations = circulation.NewMemoryStore()
		locker = storage.NewLocalLocker(cfg.Circulation.LockTimeout)
		journal = eventstore.NewMemoryStore()
		queryLog = query.NewMemoryLog()
	} else {
		db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := storage.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		app.db = db
		app.Books = catalog.NewPostgresStore(db)
		reservations = circulation.NewPostgresStore(db)
		locker = storage.NewPostgresLocker(db, cfg.Circulation.LockTimeout)
		journal = eventstore.NewEventStore(db)
		queryLog = query.NewPostgresLog(db)
	}

	app.Catalog = catalog.NewService(app.Books, clk, logger)
	app.Locker = locker
	app.Circulation = circulation.NewService(app.Books, reservations, locker, clk,
		circulation.WithJournal(journal),
		circulation.WithLogger(logger),
	)
	app.Sweeper = sweeper.New(app.Circulation, cfg.Sweep.Schedule, logger)
	app.Query = query.NewService(newGateway(cfg, app.Books, logger), app.Books, queryLog, clk, logger)

	app.Router = NewRouter(app, rate.NewLimiter(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst), logger)
	return app, nil
}

// newGateway puts the configured remote gateway in front of the keyword
// ranking. Meilisearch wins over the assistant when both are set.
func newGateway(cfg *config.Config, books catalog.Store, logger *slog.Logger) query.Gateway {
	keyword := query.NewKeywordGateway(books, 0)

	switch {
	case cfg.Meilisearch.Host != "":
		meili := query.NewMeiliGateway(cfg.Meilisearch.Host, cfg.Meilisearch.APIKey, cfg.Meilisearch.Index, 0)
		return query.NewResilient(meili, keyword, cfg.Assistant.Timeout,
			query.BreakerSettings{Name: "meilisearch"}, logger)
	case cfg.Assistant.URL != "":
		assistant := clients.NewAssistantClient(cfg.Assistant.URL, cfg.Assistant.Timeout)
		return query.NewResilient(assistant, keyword, cfg.Assistant.Timeout,
			query.BreakerSettings{Name: "assistant"}, logger)
	}
	return keyword
}

// NewRouter mounts every handler under /api/v1. limiter guards the
// mutating endpoints.
func NewRouter(app *App, limiter *rate.Limiter, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", app.handleHealth)

	limit := httpx.RateLimit(limiter)
	r.Route("/api/v1", func(r chi.Router) {
		catalog.NewHandler(app.Catalog, logger).Routes(r, limit)
		circulation.NewHandler(app.Circulation, logger).Routes(r, limit)
		app.Sweeper.Routes(r, limit)
		query.NewHandler(app.Query, logger).Routes(r, limit)
	})

	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.db.PingContext(ctx); err != nil {
			httpx.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  fmt.Sprintf("database: %v", err),
			})
			return
		}
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Close releases the database connection, if any.
func (a *App) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
