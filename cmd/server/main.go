package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pensionops/rebalancer/internal/config"
	"github.com/pensionops/rebalancer/internal/model"
)

var (
	configPath string
	cacheFunds []string
)

var rootCmd = &cobra.Command{
	Use:           "rebalancer",
	Short:         "Fund rebalancing engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler",
	RunE:  runServe,
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Process pending commands and finalize confirmed batches once",
	RunE:  runOnce,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE:  runMigrate,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the Redis read-through cache",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached model portfolios and limits after a data change",
	RunE:  runCacheInvalidate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cacheInvalidateCmd.Flags().StringSliceVar(&cacheFunds, "fund", nil, "fund to invalidate (repeatable, default all)")
	cacheCmd.AddCommand(cacheInvalidateCmd)
	rootCmd.AddCommand(serveCmd, runOnceCmd, migrateCmd, cacheCmd)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("rebalancer failed", "err", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.hub.Run(ctx)
	go a.driver.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      a.router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Scheduler.LockAtMost,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("rebalancer listening", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down rebalancer...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, runErr := a.driver.RunOnce(cmd.Context())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return runErr
}

func runCacheInvalidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	funds := make([]model.Fund, 0, len(cacheFunds))
	for _, f := range cacheFunds {
		funds = append(funds, model.Fund(f))
	}
	return invalidateCache(cmd.Context(), cfg, funds)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	pool, pg, err := openPostgres(cmd.Context(), cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("schema applied")
	return nil
}
