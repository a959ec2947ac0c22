package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/felipemaragno/callbacks/internal/domain"
	"github.com/felipemaragno/callbacks/internal/observability"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // Max time to collect messages before handing off
	CommitTimeout time.Duration // Timeout for offset commits
	RetryBackoff  time.Duration // Pause after a failed hand-off
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:         "callbacks.pending",
		GroupID:       "callbacks-workers",
		BatchTimeout:  100 * time.Millisecond,
		CommitTimeout: 5 * time.Second,
		RetryBackoff:  time.Second,
	}
}

// BatchHandler takes ownership of decoded requests. An error means the batch
// was not handed off and its offsets must not be committed.
type BatchHandler interface {
	HandleBatch(ctx context.Context, reqs []*domain.CallbackRequest) error
}

// Consumer reads callback requests from Kafka and passes them to a handler.
type Consumer struct {
	config  ConsumerConfig
	reader  Reader
	handler BatchHandler
	logger  *slog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	shutdown chan struct{}
}

func NewConsumer(config ConsumerConfig, handler BatchHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.FirstOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})
	return NewConsumerWithReader(config, reader, handler, logger)
}

func NewConsumerWithReader(config ConsumerConfig, reader Reader, handler BatchHandler, logger *slog.Logger) *Consumer {
	defaults := DefaultConsumerConfig()
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = defaults.CommitTimeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop waits for the loop to exit and closes the reader.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.shutdown) })
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	var (
		messages []kafka.Message
		reqs     []*domain.CallbackRequest
	)
	for !c.stopped(ctx) {
		// A batch whose hand-off failed is retried as is; fetching past it
		// would let a later commit skip it.
		if len(messages) == 0 {
			messages, reqs = c.collectBatch(ctx)
		}
		if len(messages) == 0 {
			continue
		}
		if c.handOff(ctx, messages, reqs) {
			messages, reqs = nil, nil
			continue
		}
		select {
		case <-ctx.Done():
		case <-c.shutdown:
		case <-time.After(c.config.RetryBackoff):
		}
	}
}

// collectBatch fetches messages until BatchTimeout. Undecodable messages are
// committed right away so they cannot block the partition.
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*domain.CallbackRequest) {
	var (
		batch []kafka.Message
		reqs  []*domain.CallbackRequest
	)

	deadline := time.Now().Add(c.config.BatchTimeout)
	for time.Now().Before(deadline) && !c.stopped(ctx) {
		// Short timeout for each fetch to stay responsive
		remaining := time.Until(deadline)
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		req, err := Decode(msg)
		if err != nil {
			c.logger.Error("dropping undecodable callback message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if err := c.commit(ctx, msg); err != nil {
				c.logger.Error("failed to commit bad message", "error", err)
			}
			continue
		}

		batch = append(batch, msg)
		reqs = append(reqs, req)
	}
	return batch, reqs
}

func (c *Consumer) handOff(ctx context.Context, messages []kafka.Message, reqs []*domain.CallbackRequest) bool {
	if err := c.handler.HandleBatch(ctx, reqs); err != nil {
		c.logger.Warn("failed to hand off callback batch, will retry",
			"error", err,
			"count", len(reqs),
		)
		return false
	}

	// At-least-once: a crash before this commit redelivers the batch, and
	// the store rejects the duplicate attempt.
	if err := c.commit(ctx, messages...); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", len(messages),
		)
	}
	return true
}

func (c *Consumer) commit(ctx context.Context, messages ...kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CommitTimeout)
	defer cancel()
	return c.reader.CommitMessages(commitCtx, messages...)
}
