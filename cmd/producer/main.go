// Producer for load testing: publishes synthetic callback requests straight
// to Kafka, bypassing the trigger host.
//
// Usage:
//
//	producer [--brokers HOSTS] [--topic TOPIC] publish --target URL [--count N]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipemaragno/callbacks/internal/kafka"
	"github.com/felipemaragno/callbacks/internal/observability"
)

func main() {
	var (
		brokers []string
		topic   string
		level   string
	)

	rootCmd := &cobra.Command{
		Use:           "producer",
		Short:         "Kafka load generator for callback workers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVar(&brokers, "brokers", envList("KAFKA_BROKERS", "localhost:9092"), "Kafka brokers")
	rootCmd.PersistentFlags().StringVar(&topic, "topic", envOr("KAFKA_TOPIC", kafka.DefaultProducerConfig().Topic), "Kafka topic")
	rootCmd.PersistentFlags().StringVar(&level, "log-level", "info", "Log level (debug, info, warn, error)")

	loggerFn := func() *slog.Logger {
		logger := observability.SetupLogger(os.Stdout, level, "json")
		slog.SetDefault(logger)
		return logger
	}

	rootCmd.AddCommand(newPublishCmd(&brokers, &topic, loggerFn))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newPublishCmd(brokers *[]string, topic *string, loggerFn func() *slog.Logger) *cobra.Command {
	var cfg kafka.LoadTestConfig

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish synthetic callback requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFn()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			logger.Info("starting load test producer",
				"brokers", *brokers,
				"topic", *topic,
				"count", cfg.Count,
				"target", cfg.TargetURL,
			)

			producer := kafka.NewLoadTestProducer(*brokers, *topic, logger)
			defer func() { _ = producer.Close() }()

			start := time.Now()
			if err := producer.ProduceSynthetic(ctx, cfg); err != nil {
				return fmt.Errorf("produce callbacks: %w", err)
			}

			duration := time.Since(start)
			logger.Info("load test complete",
				"callbacks", cfg.Count,
				"duration", duration,
				"rate", float64(cfg.Count)/duration.Seconds(),
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.Count, "count", 100000, "Number of callback requests to publish")
	cmd.Flags().StringVar(&cfg.TargetURL, "target", "http://localhost:9999/callback", "Receiver URL every request targets")
	cmd.Flags().StringVar(&cfg.CallbackID, "callback-id", "loadtest", "Callback id stamped on every request")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 1000, "Messages per Kafka write")

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envList(key, fallback string) []string {
	return strings.Split(envOr(key, fallback), ",")
}
