// Package app wires storage, billing and the scheduler together and serves
// them over HTTP.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"recurbill/internal/billing"
	"recurbill/internal/clock"
	"recurbill/internal/config"
	"recurbill/internal/errors"
	"recurbill/internal/scheduler"
	"recurbill/internal/storage"
)

// Application holds all the major components of the service.
type Application struct {
	Config        *config.Config
	Logger        *zap.SugaredLogger
	Storage       *storage.SQLiteStorage
	Billing       *billing.Service
	Scheduler     *scheduler.Scheduler
	HttpServer    *http.Server
	MetricsServer *http.Server

	clock clock.Clock
}

// New opens the database named by cfg and builds the Application on it.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*Application, error) {
	st, err := storage.OpenDatabase(ctx, cfg.StorageConfig())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	a, err := NewWithStorage(cfg, st, clock.Real(), log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// NewWithStorage builds the Application on an already migrated database.
func NewWithStorage(cfg *config.Config, st *storage.SQLiteStorage, clk clock.Clock, log *zap.SugaredLogger) (*Application, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	svc := billing.NewService(st.DB(), clk, log)
	store := scheduler.NewSQLiteStore(st.DB(), clk)
	sched, err := scheduler.New(scheduler.Config{
		TickSchedule:   cfg.Scheduler.TickSchedule,
		Workers:        cfg.Scheduler.Workers,
		RefreshOnStart: cfg.Scheduler.RefreshOnStart,
	}, store, svc, svc, svc, clk, log)
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}

	a := &Application{
		Config:    cfg,
		Logger:    log,
		Storage:   st,
		Billing:   svc,
		Scheduler: sched,
		clock:     clk,
	}

	// With no metrics port, /metrics is served by the main mux.
	if cfg.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		a.MetricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	a.HttpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Handler returns the HTTP API with logging and panic recovery applied.
func (a *Application) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("POST /api/backup", a.handleBackup)

	mux.HandleFunc("GET /api/clients", a.handleListClients)
	mux.HandleFunc("POST /api/clients", a.handleCreateClient)
	mux.HandleFunc("GET /api/clients/{id}", a.handleGetClient)

	mux.HandleFunc("GET /api/jobs", a.handleListJobs)
	mux.HandleFunc("POST /api/jobs", a.handleCreateJob)
	mux.HandleFunc("GET /api/jobs/{id}", a.handleGetJob)
	mux.HandleFunc("PUT /api/jobs/{id}", a.handleUpdateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", a.handleDeleteJob)
	mux.HandleFunc("GET /api/jobs/{id}/occurrences", a.handleJobOccurrences)

	mux.HandleFunc("GET /api/due", a.handleDue)
	mux.HandleFunc("POST /api/refresh", a.handleRefresh)
	mux.HandleFunc("GET /api/occurrences/{id}", a.handleGetOccurrence)
	mux.HandleFunc("POST /api/occurrences/{id}/complete", a.handleComplete)
	mux.HandleFunc("POST /api/occurrences/{id}/skip", a.handleSkip)
	mux.HandleFunc("POST /api/occurrences/{id}/invoice", a.handleRetryInvoice)

	if a.MetricsServer == nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return a.requestLogger(a.recoverer(mux))
}

// Start begins the application's services.
func (a *Application) Start(ctx context.Context) error {
	a.Logger.Infow("Starting application services")

	a.Scheduler.Start(ctx)

	if a.MetricsServer != nil {
		go a.serve("metrics", a.MetricsServer)
	}
	go a.serve("http", a.HttpServer)

	return nil
}

func (a *Application) serve(name string, srv *http.Server) {
	a.Logger.Infow("Starting server", "server", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.Logger.Errorw("Server stopped unexpectedly", "server", name, "error", err)
	}
}

// Stop gracefully shuts down the application's services.
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.Infow("Stopping application services")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.HttpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warnw("HTTP server shutdown error", "error", err)
	}
	if a.MetricsServer != nil {
		if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warnw("Metrics server shutdown error", "error", err)
		}
	}

	a.Scheduler.Stop()

	if err := a.Storage.Close(); err != nil {
		a.Logger.Warnw("Error closing database", "error", err)
	}

	a.Logger.Infow("Application stopped gracefully")
	return nil
}
