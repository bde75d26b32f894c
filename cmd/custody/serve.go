package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/erazemk/custody/internal/api"
	"github.com/erazemk/custody/internal/config"
	"github.com/erazemk/custody/internal/idempotency"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/store"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `serve runs the JSON API until interrupted. On first start against an
empty database it creates the admin account and prints its password.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}

	f := cmd.Flags()
	f.StringP("addr", "a", "", "listen address (default: :8080)")
	f.Bool("metrics", true, "serve Prometheus metrics on /metrics")
	f.String("redis", "", "redis URL for idempotency keys (default: in-memory)")
	_ = a.v.BindPFlag(config.KeyServerAddr, f.Lookup("addr"))
	_ = a.v.BindPFlag(config.KeyServerMetrics, f.Lookup("metrics"))
	_ = a.v.BindPFlag(config.KeyRedisURL, f.Lookup("redis"))
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	password, created, err := bootstrap(ctx, a.db, a.cfg.Auth.AdminUser)
	if err != nil {
		return err
	}
	if created {
		printInitResult(cmd.OutOrStdout(), a.cfg.Auth.AdminUser, password)
	}

	jwtSecret, err := store.GetJWTSecret(ctx, a.db)
	if err != nil {
		return fmt.Errorf("loading jwt secret: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	l := a.ledger(ledger.WithMetrics(ledger.NewMetrics(reg)))

	idem, closeIdem, err := a.idempotencyStore(ctx)
	if err != nil {
		return err
	}
	defer closeIdem()

	routerCfg := api.Config{
		DB:          a.db,
		Ledger:      l,
		Registry:    a.registry(l),
		Idempotency: idem,
		JWTSecret:   jwtSecret,
		Logger:      slog.Default(),
	}
	if a.cfg.Server.Metrics {
		routerCfg.Metrics = reg
	}

	server := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	slog.Info("server stopped, closing database")
	return err
}

// idempotencyStore connects to redis when configured so that replays work
// across instances; otherwise keys live in process memory.
func (a *app) idempotencyStore(ctx context.Context) (idempotency.Store, func(), error) {
	ttl := a.cfg.Idempotency.TTL
	if a.cfg.Redis.URL == "" {
		return idempotency.NewMemoryStore(ttl), func() {}, nil
	}

	opts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("idempotency keys stored in redis", "addr", opts.Addr)
	return idempotency.NewRedisStore(client, ttl), func() { client.Close() }, nil
}
