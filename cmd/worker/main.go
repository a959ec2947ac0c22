// Worker service: consumes callback requests relayed through Kafka and
// delivers them. Designed to run as multiple instances in a consumer group.
//
// The worker runs three concurrent processes:
//  1. Kafka consumer: moves new requests into the local queue
//  2. Worker pool: attempts deliveries from the queue
//  3. Retry poller: claims due retries from PostgreSQL
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/callbacks/internal/app"
	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/config"
	"github.com/felipemaragno/callbacks/internal/kafka"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/queue"
	"github.com/felipemaragno/callbacks/internal/retry"
	"github.com/felipemaragno/callbacks/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "worker-1"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}

	storage, err := app.OpenStorage(ctx, cfg, clk, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	metrics := observability.NewMetrics("callbacks")

	delivery, err := app.NewDelivery(cfg, app.NewHTTPClient(), clk, metrics, logger)
	if err != nil {
		logger.Error("failed to build sender", "error", err)
		os.Exit(1)
	}

	healthHandler := observability.NewHealthHandler().
		AddCheck("store", storage.Backend).
		AddCheck("redis", delivery.HealthCheck())

	q := queue.New(cfg.Delivery.QueueCapacity)

	workerPool := worker.NewPool(
		worker.Config{Workers: cfg.Delivery.Workers, ThrottleDelay: cfg.Delivery.ThrottleDelay},
		q,
		storage.Backend,
		delivery.Sender,
		cfg.RetryPolicy(),
		clk,
		logger,
	).WithMetrics(metrics)
	workerPool.Start(ctx)

	// The producer side may not share this database; saving is idempotent.
	handler := kafka.NewQueueHandler(q, logger).WithSaver(storage.Backend).WithMetrics(metrics)

	consumerConfig := kafka.DefaultConsumerConfig()
	consumerConfig.Brokers = cfg.Kafka.Brokers
	consumerConfig.Topic = cfg.Kafka.Topic
	consumerConfig.GroupID = cfg.Kafka.ConsumerGroup
	consumerConfig.InstanceID = cfg.InstanceID

	consumer := kafka.NewConsumer(consumerConfig, handler, logger)
	consumer.Start(ctx)

	pollerConfig := retry.DefaultPollerConfig()
	pollerConfig.PollInterval = cfg.Delivery.PollInterval
	retryPoller := retry.NewPoller(storage.Backend, q, pollerConfig, logger).WithMetrics(metrics)
	go retryPoller.Start(ctx)

	r := chi.NewRouter()
	r.Use(observability.MetricsMiddleware(metrics))
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	logger.Info("worker started",
		"instance_id", cfg.InstanceID,
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.ConsumerGroup,
		"workers", cfg.Delivery.Workers,
		"retry_poll_interval", pollerConfig.PollInterval,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the feeders first so nothing is enqueued into a stopped pool.
	consumer.Stop()
	retryPoller.Stop()
	workerPool.Stop()
	q.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	delivery.Close()
	storage.Close(shutdownCtx)

	logger.Info("shutdown complete")
}
