package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"actiongate/internal/app"
	"actiongate/internal/engine"
	"actiongate/internal/events"
	"actiongate/internal/logging"
	"actiongate/internal/notify"
	"actiongate/internal/observability"
	"actiongate/internal/ratelimit"
	"actiongate/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

			shutdownTracing, err := observability.InitTracing(observability.TracingOptions{
				Enabled:        cfg.Tracing.Enabled,
				Output:         cfg.Tracing.Output,
				ServiceVersion: server.Version,
			})
			if err != nil {
				return err
			}
			defer shutdownTracing(context.Background())

			r, closeDB, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer closeDB()
			summary, err := app.Bootstrap(ctx, *r, cfg, time.Now())
			if err != nil {
				return err
			}
			logger.Info("config applied", "tenants", summary.Tenants, "roles", summary.Roles,
				"members", summary.Members, "agent_keys", summary.AgentKeys)

			e, err := engine.New(r.DB, r.Dialect, cfg)
			if err != nil {
				return err
			}
			metrics := observability.NewMetrics()
			e.Logger = logger
			e.Metrics = metrics
			e.Tracer = observability.Tracer()

			var publishers events.Fanout
			if cfg.Notify.NATSURL != "" {
				nc, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.SubjectPrefix)
				if err != nil {
					return err
				}
				defer nc.Close()
				publishers = append(publishers, nc)
				logger.Info("publishing lifecycle events", "nats", cfg.Notify.NATSURL)
			}
			if len(publishers) > 0 {
				e.Publisher = publishers
			}

			limiter, closeLimiter, err := ratelimit.New(cfg.RateLimit)
			if err != nil {
				return err
			}
			defer closeLimiter()
			if mem, ok := limiter.(*ratelimit.Memory); ok {
				go mem.Run(ctx)
			}

			if len(cfg.Notify.Webhooks) > 0 {
				go notify.NewWebhookDispatcher(e.Repo, cfg.Notify.Webhooks, logger).Run(ctx)
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     cfg.Auth,
				Limiter:  limiter,
				Metrics:  metrics,
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving ActionGate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}
