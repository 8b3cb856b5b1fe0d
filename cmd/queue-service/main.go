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

	"clinic/queue-service/internal/auth"
	"clinic/queue-service/internal/config"
	"clinic/queue-service/internal/httpapi"
	"clinic/queue-service/internal/hub"
	"clinic/queue-service/internal/store/postgres"
	"clinic/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "queue-service"

func main() {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Clinic department queue service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return pool, nil
}

func newRoleCache(cfg *config.Config, logger zerolog.Logger) (*auth.RoleCache, func()) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set, role cache disabled")
		return nil, func() {}
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("invalid REDIS_URL, role cache disabled")
		return nil, func() {}
	}
	client := redis.NewClient(opts)
	cache := auth.NewRoleCache(client, cfg.RoleCacheTTL(), config.NewCircuitBreaker("Redis-Roles"), logger)
	return cache, func() { _ = client.Close() }
}

func runServer(cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)

	shutdownTracing := telemetry.Setup(serviceName, cfg.OTLPEndpoint, cfg.OTLPInsecure, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewStore(pool, postgres.Options{Location: location})

	cache, closeCache := newRoleCache(cfg, logger)
	defer closeCache()

	secret, err := cfg.TokenSecret()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set, using development secret")
	}
	resolver := auth.NewResolver(auth.NewTokenVerifier(secret), store, cache)

	realtime := hub.New(logger)
	poller := hub.NewPoller(store, realtime, cfg.RealtimePollInterval(), cfg.RealtimeBatchSize, time.Now().UTC(), logger)
	go poller.Run(ctx)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:           cfg.RateLimitPerMinute,
		IPBurst:               cfg.RateLimitBurst,
		OrganizationPerMinute: cfg.TenantRateLimitPerMinute,
		OrganizationBurst:     cfg.TenantRateLimitBurst,
	})
	handler := httpapi.NewHandler(store, store, resolver, httpapi.Options{
		Location:    location,
		Hub:         realtime,
		Invalidator: resolver,
		RateLimiter: limiter,
		Logger:      logger,
	})

	var root http.Handler = limiter.Middleware(handler.Routes())
	root = httpapi.MetricsMiddleware(root)
	root = httpapi.LoggingMiddleware(logger, root)
	root = otelhttp.NewHandler(root, serviceName)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("timezone", location.String()).Msg("queue-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	return nil
}
