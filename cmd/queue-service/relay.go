package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"clinic/queue-service/internal/config"
	"clinic/queue-service/internal/messaging"
	"clinic/queue-service/internal/relay"
	"clinic/queue-service/internal/telemetry"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward outbox events to RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" || cfg.RabbitMQURL == "" {
				return fmt.Errorf("DB_DSN and RABBITMQ_URL are required")
			}
			healthAddr, _ := cmd.Flags().GetString("health-addr")
			return runRelay(cfg, healthAddr)
		},
	}
	cmd.Flags().String("health-addr", ":8081", "Address for relay health and metrics endpoints (empty disables)")
	return cmd
}

func runRelay(cfg *config.Config, healthAddr string) error {
	logger := telemetry.NewLogger(cfg.Env, cfg.LogLevel)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	broker, err := messaging.NewRabbitMQBroker(cfg.RabbitMQURL, cfg.QueueEventsQueue)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := relay.New(relay.NewSQLOutbox(db), broker, cfg.DatabaseURL, cfg.RelayBatchSize, config.NewCircuitBreaker("Relay-PostgreSQL"), logger)
	if healthAddr != "" {
		server := healthServer(healthAddr, r, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("queue", cfg.QueueEventsQueue).Msg("outbox relay started")
	if err := r.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info().Msg("outbox relay stopped")
	return nil
}

// healthServer exposes liveness, readiness and metrics for the relay process.
func healthServer(addr string, r *relay.Relay, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if !r.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if !r.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("relay health server error")
		}
	}()
	return server
}
