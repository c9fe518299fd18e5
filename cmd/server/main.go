/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, LOYALTY_* environment)
  2. Open the configured store (sqlite, postgres or memory)
  3. Connect the NATS event publisher when a URL is configured
  4. Build Ledger, Leaderboard and Service
  5. Start the period watcher and the HTTP server

COMMANDS:
  loyalty-server                 Run the HTTP server (default)
  loyalty-server migrate         Create or upgrade the schema and exit
  loyalty-server leaderboard     Print the current leaderboard
  loyalty-server seed <id>       Load a demo scenario
  loyalty-server version         Print version information

FLAGS:
  -c, --config    YAML config file
      --log-level Override logging.level

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown_timeout)
  3. Stop the period watcher
  4. Drain NATS and close the database

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/api"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/config"
	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/logging"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "loyalty-server"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Loyalty and rewards ledger for riding clinics",
		Long: `Runs the loyalty ledger: points for clinic registrations, tiers,
discount codes at reward thresholds, referral bonuses and the half-year
leaderboard.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), flags)
		},
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		migrateCmd(&flags),
		leaderboardCmd(&flags),
		seedCmd(&flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func setup(ctx context.Context, flags globalFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	return newApp(ctx, cfg, logger)
}

// =============================================================================
// SERVE
// =============================================================================

func serve(ctx context.Context, flags globalFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if cfg.Server.LoadDemo {
		if err := api.SeedScenario(ctx, a.service, "spring-clinics"); err != nil {
			logger.Warn("failed to load demo scenario", "error", err)
		}
	}

	handler := api.NewHandler(a.service, logger)
	handler.Ping = a.ping
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Gatherer:       a.registry,
	})

	if cfg.Leaderboard.WatchInterval > 0 {
		watcher := api.NewPeriodWatcher(a.lb, a.publisher, logger)
		watcher.CheckInterval = cfg.Leaderboard.WatchInterval
		watcher.SnapshotSize = cfg.Leaderboard.SnapshotSize
		watcher.Start()
		defer watcher.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr(), "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MAINTENANCE COMMANDS
// =============================================================================

func migrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening a store applies its migrations.
			a, err := setup(cmd.Context(), *flags)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("schema up to date", "driver", a.cfg.Database.Driver)
			return nil
		},
	}
}

func leaderboardCmd(flags *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the current period leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *flags)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, period, err := a.service.GetLeaderboard(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Leaderboard %s\n", period)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RANK\tRIDER\tPOINTS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%d\n", e.Rank, e.DisplayName(), e.Points)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of riders to show")
	return cmd
}

func seedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <scenario>",
		Short: "Load a demo scenario (spring-clinics, referral, reward-threshold)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := api.SeedScenario(cmd.Context(), a.service, args[0]); err != nil {
				return err
			}
			a.logger.Info("scenario loaded", "scenario", args[0])
			return nil
		},
	}
}
