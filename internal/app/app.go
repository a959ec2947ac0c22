// Package app assembles the components shared by the binaries from a loaded
// configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/config"
	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/resilience"
	"github.com/felipemaragno/callbacks/internal/sender"
	"github.com/felipemaragno/callbacks/internal/store"
	"github.com/felipemaragno/callbacks/internal/store/memory"
	"github.com/felipemaragno/callbacks/internal/store/postgres"
)

// StoreBackend is the record store plus what the host needs around it.
// Durable is true when due retries must be surfaced by a poller.
type StoreBackend interface {
	store.Store
	store.Reader
	observability.HealthChecker
}

type Storage struct {
	Backend StoreBackend
	Durable bool

	pool *pgxpool.Pool
	pg   *postgres.Store
}

// OpenStorage connects to PostgreSQL when cfg.DatabaseURL is set and applies
// the schema; otherwise it returns the in-memory store.
func OpenStorage(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*Storage, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return &Storage{Backend: memory.New(clk)}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")

	pg := postgres.New(pool, clk).WithBatcher(postgres.DefaultBatcherConfig())
	return &Storage{Backend: pg, Durable: true, pool: pool, pg: pg}, nil
}

// Close flushes pending inserts and releases the pool.
func (s *Storage) Close(ctx context.Context) {
	if s.pg != nil {
		_ = s.pg.Shutdown(ctx)
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// NewHTTPClient returns the client used for deliveries. Per-request
// timeouts come from each request's context. Redirects are not followed:
// a 3xx is the receiver's answer and is classified like any other status.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Delivery is the guarded sender and the resources behind it.
type Delivery struct {
	Sender *sender.Guarded
	Redis  *redis.Client
}

// NewDelivery builds the signing HTTP sender wrapped by per-destination
// rate limiting, circuit breaking and, when configured, a concurrency cap.
// Limits are shared through Redis when cfg.RedisURL is set.
func NewDelivery(cfg *config.Config, client sender.HTTPClient, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) (*Delivery, error) {
	httpSender := sender.NewHTTPSender(client, clk).WithLogger(logger)
	if cfg.Delivery.SigningSecret != "" {
		signer, err := sender.NewHMACSigner(cfg.Delivery.SigningSecret, clk)
		if err != nil {
			return nil, err
		}
		httpSender.WithSigner(signer)
	}

	guarded := sender.NewGuarded(httpSender, clk).WithLogger(logger).WithMetrics(metrics)
	d := &Delivery{Sender: guarded}

	if cfg.RedisURL == "" {
		guarded.WithRateLimiter(resilience.NewInMemoryRateLimiter(resilience.DefaultRateLimiterConfig()), cfg.Delivery.RateLimit)
		guarded.WithCircuitBreaker(resilience.NewInMemoryCircuitBreaker(resilience.DefaultCircuitBreakerConfig()))
		if cfg.Delivery.MaxConcurrency > 0 {
			guarded.WithSemaphore(resilience.NewInMemorySemaphore(cfg.Delivery.MaxConcurrency))
		}
		return d, nil
	}

	redisCfg := resilience.DefaultRedisConfig()
	redisCfg.URL = cfg.RedisURL
	rdb, err := resilience.NewRedisClient(redisCfg)
	if err != nil {
		return nil, err
	}
	d.Redis = rdb
	logger.Info("using redis for distributed resilience")

	guarded.WithRateLimiter(resilience.NewRedisRateLimiter(rdb, resilience.DefaultRedisRateLimiterConfig(), logger), cfg.Delivery.RateLimit)
	guarded.WithCircuitBreaker(resilience.NewRedisCircuitBreaker(rdb, resilience.DefaultRedisCircuitBreakerConfig(), logger))
	if cfg.Delivery.MaxConcurrency > 0 {
		semCfg := resilience.DefaultRedisSemaphoreConfig()
		semCfg.Limit = cfg.Delivery.MaxConcurrency
		guarded.WithSemaphore(resilience.NewRedisSemaphore(rdb, semCfg, logger))
	}
	return d, nil
}

// HealthCheck reports Redis reachability; nil without Redis.
func (d *Delivery) HealthCheck() observability.HealthChecker {
	if d.Redis == nil {
		return nil
	}
	return observability.HealthCheckFunc(func(ctx context.Context) error {
		return d.Redis.Ping(ctx).Err()
	})
}

func (d *Delivery) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
}
