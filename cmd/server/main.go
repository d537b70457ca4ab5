/*
main.go - Application entry point

PURPOSE:
  creditd serves the service credit ledger over HTTP and runs one-shot
  maintenance commands against the same database.

COMMANDS:
  creditd serve       Start the HTTP API (and the scheduler if enabled)
  creditd reconcile   Reconcile every employee once and exit
  creditd migrate     Create the schema and exit

  Global flag: --config PATH (TOML). Environment variables and .env
  override the file; see config/config.go.

STARTUP SEQUENCE (serve):
  1. Load config, build zap logger
  2. Open SQLite store (schema is created on open)
  3. Register Prometheus collectors, build engine
  4. Configure HTTP router, start scheduler
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the reconciliation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  creditd serve --config ./creditd.toml
  CREDITD_DB_PATH=":memory:" creditd serve
  creditd reconcile --correct

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration sources
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/service-credits/api"
	"github.com/warp/service-credits/config"
	"github.com/warp/service-credits/credit"
	"github.com/warp/service-credits/logger"
	"github.com/warp/service-credits/metrics"
	"github.com/warp/service-credits/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "creditd",
		Short:         "Service credit ledger and FIFO offset engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newReconcileCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer app.close()
			return app.serve()
		},
	}
}

func newReconcileCmd(configPath *string) *cobra.Command {
	var (
		correct bool
		actor   string
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare cached balances with lot sums once and exit",
		Long: `Reconcile every employee's cached service credit balance against the
sum of their available lots. Without --correct, drift is only reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer app.close()

			if actor == "" {
				actor = app.cfg.Reconcile.Actor
			}
			runs, err := app.engine.ReconcileAll(cmd.Context(), actor, correct)
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tcached=%s\tcomputed=%s\tdrift=%s\tcorrected=%t\n",
					run.EmployeeID,
					run.CachedBalance.StringFixed(credit.CreditPlaces),
					run.ComputedBalance.StringFixed(credit.CreditPlaces),
					run.Drift.StringFixed(credit.CreditPlaces),
					run.Corrected)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&correct, "correct", false, "Write corrections for drifted balances")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded on the runs (default from config)")
	return cmd
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer app.close()
			app.log.Info("schema ready", zap.String("db", app.cfg.Database.Path))
			return nil
		},
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg      config.Config
	log      *zap.Logger
	store    *sqlite.Store
	registry *prometheus.Registry
	engine   *credit.OffsetEngine
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if path := cfg.Database.Path; path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path,
		sqlite.WithEligibility(credit.NewEligibility(cfg.Credits.EligibleCategories)),
		sqlite.WithBusyTimeout(cfg.Database.BusyTimeout.Duration),
	)
	if err != nil {
		log.Error("failed to initialize database", zap.String("db", cfg.Database.Path), zap.Error(err))
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := credit.NewOffsetEngine(store,
		credit.WithLogger(log),
		credit.WithRecorder(metrics.New(reg)),
		credit.WithLockTimeout(cfg.Credits.LockTimeout.Duration),
	)
	return &app{cfg: cfg, log: log, store: store, registry: reg, engine: engine}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close database", zap.Error(err))
	}
	_ = a.log.Sync()
}

func (a *app) serve() error {
	handler := api.NewHandler(a.engine, a.log)
	handler.ReconcileActor = a.cfg.Reconcile.Actor
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		Gatherer:       a.registry,
	})

	scheduler := api.NewReconciliationScheduler(a.engine, a.log)
	scheduler.Enabled = a.cfg.Reconcile.Enabled
	scheduler.Correct = a.cfg.Reconcile.Correct
	scheduler.Actor = a.cfg.Reconcile.Actor
	scheduler.CheckInterval = a.cfg.Reconcile.Interval.Duration
	scheduler.Start()

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", a.cfg.Server.Addr), zap.String("db", a.cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		a.log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
