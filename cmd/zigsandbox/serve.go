package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/zigsandbox/internal/auth"
	"github.com/szaher/zigsandbox/internal/server"
	"github.com/szaher/zigsandbox/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var (
		listen  string
		apiKey  string
		preload bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve build sessions over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if apiKey != "" {
				cfg.APIKey = apiKey
			}
			if cfg.APIKey == "" {
				cfg.APIKey = auth.KeyFromEnv()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = telemetry.WithCorrelationID(ctx, correlationID)

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.startRefresh(ctx); err != nil {
				return err
			}
			if preload {
				if _, err := a.resolver.Resolve(ctx); err != nil {
					a.logger.Warn("toolchain preload failed, will retry on first build", "error", err)
				}
			}

			srv := server.NewServer(a.orch,
				server.WithLogger(a.logger),
				server.WithAPIKey(cfg.APIKey),
				server.WithMetrics(a.metrics),
				server.WithVersion(version),
				server.WithAllowedOrigins(cfg.AllowedOrigins),
			)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.Listen) }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				a.logger.Info("shutting down")
				shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key required from clients (or "+auth.DefaultEnvVar+")")
	cmd.Flags().BoolVar(&preload, "preload", true, "Resolve the toolchain before accepting requests")

	return cmd
}
