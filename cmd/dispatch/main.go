// Dispatch service: hosts the trigger routes and, unless Kafka relays the
// requests to separate workers, delivers callbacks in process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipemaragno/callbacks/internal/api"
	"github.com/felipemaragno/callbacks/internal/app"
	"github.com/felipemaragno/callbacks/internal/body"
	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/config"
	"github.com/felipemaragno/callbacks/internal/dispatch"
	"github.com/felipemaragno/callbacks/internal/kafka"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/plan"
	"github.com/felipemaragno/callbacks/internal/queue"
	"github.com/felipemaragno/callbacks/internal/request"
	"github.com/felipemaragno/callbacks/internal/retry"
	"github.com/felipemaragno/callbacks/internal/urlresolve"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.RealClock{}

	storage, err := app.OpenStorage(ctx, cfg, clk, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	registry := plan.NewRegistry()
	if err := cfg.Register(registry); err != nil {
		logger.Error("invalid callback description", "error", err)
		os.Exit(1)
	}
	baseURI, _ := cfg.DefaultBaseURI()

	metrics := observability.NewMetrics("callbacks")
	healthHandler := observability.NewHealthHandler().AddCheck("store", storage.Backend)

	factory := request.NewFactory(urlresolve.NewResolver(), body.NewDefault(), cfg.RequestOptions(), clk)
	q := queue.New(cfg.Delivery.QueueCapacity)

	var (
		sink       dispatch.Sink = q
		producer   *kafka.Producer
		delivery   *app.Delivery
		workerPool *worker.Pool
		requeue    *worker.DelayedRequeue
		poller     *retry.Poller
	)

	if len(cfg.Kafka.Brokers) > 0 {
		producerConfig := kafka.DefaultProducerConfig()
		producerConfig.Brokers = cfg.Kafka.Brokers
		producerConfig.Topic = cfg.Kafka.Topic
		producer = kafka.NewProducer(producerConfig, logger)
		sink = producer
		logger.Info("relaying callbacks to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		delivery, err = app.NewDelivery(cfg, app.NewHTTPClient(), clk, metrics, logger)
		if err != nil {
			logger.Error("failed to build sender", "error", err)
			os.Exit(1)
		}
		healthHandler.AddCheck("redis", delivery.HealthCheck())

		workerPool = worker.NewPool(
			worker.Config{Workers: cfg.Delivery.Workers, ThrottleDelay: cfg.Delivery.ThrottleDelay},
			q,
			storage.Backend,
			delivery.Sender,
			cfg.RetryPolicy(),
			clk,
			logger,
		).WithMetrics(metrics)

		if storage.Durable {
			pollerConfig := retry.DefaultPollerConfig()
			pollerConfig.PollInterval = cfg.Delivery.PollInterval
			poller = retry.NewPoller(storage.Backend, q, pollerConfig, logger).WithMetrics(metrics)
			go poller.Start(ctx)
		} else {
			requeue = worker.NewDelayedRequeue(q, clk, logger)
			workerPool.WithRedelivery(requeue)
		}
		workerPool.Start(ctx)
	}

	dispatcher := dispatch.New(factory, storage.Backend, sink, logger).WithMetrics(metrics)

	handler := api.NewHandler(registry, dispatcher, storage.Backend, logger)
	if baseURI != nil {
		handler.WithDefaultBaseURI(baseURI)
	}
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
		Triggers:      cfg.Triggers,
	})
	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr, "triggers", len(cfg.Triggers), "callbacks", len(cfg.Callbacks))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	if poller != nil {
		poller.Stop()
	}
	if requeue != nil {
		requeue.Stop()
	}
	if workerPool != nil {
		workerPool.Stop()
	}
	q.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to close kafka producer", "error", err)
		}
	}
	if delivery != nil {
		delivery.Close()
	}
	storage.Close(shutdownCtx)

	logger.Info("shutdown complete")
}
