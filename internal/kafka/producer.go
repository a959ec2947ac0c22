package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/request"
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes callback requests to Kafka.
type Producer struct {
	writer Writer
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "callbacks.pending",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false, // Sync for reliability
	}
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll, // Wait for all replicas
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}
	return NewProducerWithWriter(writer, logger)
}

func NewProducerWithWriter(writer Writer, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Producer{writer: writer, logger: logger}
}

// Enqueue publishes req. It makes the producer a dispatch sink.
func (p *Producer) Enqueue(ctx context.Context, req *domain.CallbackRequest) error {
	msg, err := Encode(req)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// PublishBatch sends several requests in one write.
func (p *Producer) PublishBatch(ctx context.Context, reqs []*domain.CallbackRequest) error {
	messages := make([]kafka.Message, 0, len(reqs))
	for _, req := range reqs {
		msg, err := Encode(req)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// LoadTestConfig describes synthetic callbacks for load tests.
type LoadTestConfig struct {
	Count      int
	TargetURL  string
	CallbackID string
	BatchSize  int
}

// NewLoadTestProducer is a producer tuned for throughput.
func NewLoadTestProducer(brokers []string, topic string, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.RoundRobin{}, // Distribute evenly
		BatchSize:    500,
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne, // Faster for load test
		Async:        true,             // Async for max throughput
		Compression:  kafka.Snappy,
	}
	return NewProducerWithWriter(writer, logger)
}

// ProduceSynthetic publishes cfg.Count callback requests aimed at
// cfg.TargetURL, each with its own idempotency key.
func (p *Producer) ProduceSynthetic(ctx context.Context, cfg LoadTestConfig) error {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.CallbackID == "" {
		cfg.CallbackID = "loadtest"
	}

	batch := make([]*domain.CallbackRequest, 0, cfg.BatchSize)
	now := time.Now().UTC()
	for i := 0; i < cfg.Count; i++ {
		id := uuid.NewString()
		batch = append(batch, &domain.CallbackRequest{
			ID:             id,
			CallbackID:     cfg.CallbackID,
			OperationID:    cfg.CallbackID + "__post",
			TargetURL:      cfg.TargetURL,
			HTTPMethod:     "POST",
			Headers:        map[string]string{request.HeaderCallbackID: cfg.CallbackID},
			ContentType:    "application/json",
			Body:           []byte(fmt.Sprintf(`{"test":true,"index":%d}`, i)),
			CorrelationID:  id,
			IdempotencyKey: fmt.Sprintf("%s:%s:%s__post", id, cfg.CallbackID, cfg.CallbackID),
			Timeout:        30 * time.Second,
			CreatedAt:      now,
			NextAttemptAt:  now,
		})

		if len(batch) == cfg.BatchSize {
			if err := p.PublishBatch(ctx, batch); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
			batch = batch[:0]
			p.logger.Info("produced callbacks", "count", i+1)
		}
	}

	if len(batch) > 0 {
		if err := p.PublishBatch(ctx, batch); err != nil {
			return fmt.Errorf("write final batch: %w", err)
		}
	}

	p.logger.Info("finished producing callbacks", "total", cfg.Count)
	return nil
}
