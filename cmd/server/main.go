/*
main.go - Application entry point

PURPOSE:
  Starts the rewards engine server and its maintenance commands.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve            HTTP API + referral redrive scheduler
  redrive          One referral redrive pass, then exit
  stats USER_ID    Print a user's stats and ledger reconciliation
  catalog          Print the active catalog as JSON

  All commands accept --config (see config/ for the layering).

STARTUP SEQUENCE (serve):
  1. Load configuration (defaults, YAML, env)
  2. Initialize logging
  3. Open the SQLite store
  4. Load the catalog (built-in or engine.catalog_path)
  5. Build the engine, router and scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close database connection

EXAMPLES:
  ./server serve --config ./config.yaml
  REWARDS_DATABASE_PATH=":memory:" ./server serve
  ./server stats user-42

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamplight/rewards-engine/api"
	"github.com/lamplight/rewards-engine/config"
	"github.com/lamplight/rewards-engine/devotional"
	"github.com/lamplight/rewards-engine/factory"
	"github.com/lamplight/rewards-engine/generic"
	"github.com/lamplight/rewards-engine/logging"
	"github.com/lamplight/rewards-engine/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Devotional gamification and rewards engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (default: $REWARDS_CONFIG or ./config.yaml)")
	rootCmd.AddCommand(serveCmd, redriveCmd, statsCmd, catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg    *config.Config
	store  *sqlite.Store
	engine *generic.Engine
}

func bootstrap() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Log)

	catalog, err := loadCatalog(cfg.Engine.CatalogPath)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &app{
		cfg:    cfg,
		store:  store,
		engine: generic.NewEngine(store, catalog, cfg.EngineConfig()),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logging.Error().Err(err).Msg("failed to close database")
	}
	logging.Close()
}

func loadCatalog(path string) (*generic.Catalog, error) {
	if path == "" {
		return devotional.Catalog()
	}
	catalog, err := factory.NewCatalogFactory().LoadFile(path)
	if err != nil {
		return nil, err
	}
	logging.Info().Str("path", path).Int("achievements", len(catalog.Achievements())).Msg("catalog loaded")
	return catalog, nil
}

// =============================================================================
// serve
// =============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	var scheduler *api.RedriveScheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewRedriveScheduler(a.engine.Referrals, cfg.Scheduler.RedriveSpec)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	router := api.NewRouter(api.NewHandler(a.engine, a.store), api.RouterConfig{
		CORSOrigins:        cfg.Server.CORSOrigins,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	})
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.Server.Addr).Str("database", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logging.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logging.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// redrive
// =============================================================================

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Run one referral redrive pass",
	Long: `Re-examines pending referral links and re-runs the reward step for
completed ones. Safe to run at any time; every award is idempotent.`,
	Args: cobra.NoArgs,
	RunE: runRedrive,
}

func runRedrive(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.engine.Referrals.Redrive(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "pending=%d completed=%d retried=%d rewarded=%d failed=%d\n",
		report.Pending, report.Completed, report.Retried, report.Rewarded, report.Failed)
	return err
}

// =============================================================================
// stats
// =============================================================================

var statsCmd = &cobra.Command{
	Use:   "stats USER_ID",
	Short: "Print a user's stats and ledger reconciliation",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := bootstrap()
	if err != nil {
		return err
	}
	defer a.Close()

	userID := generic.UserID(args[0])
	stats, err := a.engine.Stats(cmd.Context(), userID)
	if err != nil {
		return err
	}
	rec, err := a.engine.Reconcile(cmd.Context(), userID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:        %s\n", userID)
	fmt.Fprintf(out, "points:      %d (level %d, %s%% to next)\n", stats.Aggregate.TotalPoints, stats.Level, stats.ProgressPercent.StringFixed(2))
	fmt.Fprintf(out, "streak:      %d (longest %d)\n", stats.StreakDays, stats.Aggregate.LongestStreakDays)
	fmt.Fprintf(out, "unlocks:     %d\n", len(stats.Unlocks))
	fmt.Fprintf(out, "ledger:      %d entries, sum %d\n", rec.Entries, rec.LedgerSum)
	if drift := rec.Drift(); drift != 0 {
		return fmt.Errorf("running total drifts from ledger by %d", drift)
	}
	fmt.Fprintln(out, "reconciled:  ok")
	return nil
}

// =============================================================================
// catalog
// =============================================================================

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the active catalog as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		catalog, err := loadCatalog(cfg.Engine.CatalogPath)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(factory.ToJSON(catalog))
	},
}
