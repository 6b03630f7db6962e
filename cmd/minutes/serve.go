package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/minutegraph/internal/config"
	"github.com/dshills/minutegraph/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Starts the minutes engine behind a JSON API. Processes are created and
resumed with POST /v1/processes/{id}/generate, /revise and /approve.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
}

// serve runs the API until ctx is cancelled, then drains in-flight requests
// within the configured shutdown timeout.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Telemetry.Metrics {
		opts = append(opts, server.WithGatherer(a.registry))
	}
	for name, check := range a.checks {
		opts = append(opts, server.WithHealthCheck(name, check))
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.NewHandler(a.engine, opts...),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.HTTPWriteTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("minutes server starting",
			"addr", srv.Addr,
			"version", version,
			"store", cfg.Store.Backend,
			"provider", cfg.Model.Provider,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		timeout := cfg.Server.ShutdownTimeoutDuration()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown did not complete", "timeout", timeout, "error", err)
			return srv.Close()
		}
		logger.Info("minutes server stopped gracefully")
		return nil
	})

	return g.Wait()
}
