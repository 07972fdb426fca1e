package walletmigrate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/walletmigrate/pkg/gate"
	"github.com/surrealdb/walletmigrate/pkg/metrics"
	"github.com/surrealdb/walletmigrate/pkg/statuscache"
)

const shutdownTimeout = 10 * time.Second

// Router returns the service's HTTP routes.
func (a *App) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", a.metricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	// Administrative routes are not gated: they must work while a wallet
	// is migrating.
	admin := api.PathPrefix("/admin/wallets/{wallet}").Subrouter()
	admin.HandleFunc("/migration", a.handleBeginMigration).Methods(http.MethodPost)
	admin.HandleFunc("/migration", a.handleMigrationStatus).Methods(http.MethodGet)

	wallets := api.PathPrefix("/wallets/{wallet}").Subrouter()
	wallets.Use(a.gate.Middleware(gate.MuxVar("wallet")))
	wallets.HandleFunc("/records", a.handleListRecords).Methods(http.MethodGet)
	wallets.HandleFunc("/records/{key}", a.handleGetRecord).Methods(http.MethodGet)
	wallets.HandleFunc("/records/{key}", a.handlePutRecord).Methods(http.MethodPut)
	wallets.HandleFunc("/records/{key}", a.handleDeleteRecord).Methods(http.MethodDelete)

	return router
}

// metricsHandler refreshes cache gauges before every scrape.
func (a *App) metricsHandler() http.Handler {
	next := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pending, completed := a.cache.Len()
		metrics.CacheEntries.WithLabelValues(statuscache.StatusPending.String()).Set(float64(pending))
		metrics.CacheEntries.WithLabelValues(statuscache.StatusCompleted.String()).Set(float64(completed))
		next.ServeHTTP(w, r)
	})
}

// Run restores migration state, then serves until ctx is done.
func (a *App) Run(ctx context.Context, cmd *RunCommand) error {
	if err := a.worker.Resume(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%s", a.config.ServerPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().
			Str("addr", addr).
			Str("engine", a.config.Engine).
			Dur("poll_interval", a.config.PollInterval).
			Msg("starting walletmigrate server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
