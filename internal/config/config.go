// Package config loads process configuration from defaults, an optional
// YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/felipemaragno/callbacks/internal/api"
	"github.com/felipemaragno/callbacks/internal/plan"
	"github.com/felipemaragno/callbacks/internal/request"
	"github.com/felipemaragno/callbacks/internal/retry"
)

// EnvConfigFile names the environment variable holding the YAML file path.
const EnvConfigFile = "CALLBACKS_CONFIG"

type Config struct {
	Addr        string   `mapstructure:"addr"`
	DatabaseURL string   `mapstructure:"database_url"`
	RedisURL    string   `mapstructure:"redis_url"`
	InstanceID  string   `mapstructure:"instance_id"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`
	Kafka       Kafka    `mapstructure:"kafka"`
	Delivery    Delivery `mapstructure:"delivery"`
	Retry       Retry    `mapstructure:"retry"`

	Callbacks []Callback    `mapstructure:"callbacks"`
	Triggers  []api.Trigger `mapstructure:"triggers"`
}

type Kafka struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// Delivery tunes the worker side. RateLimit is requests per second per
// destination host; MaxConcurrency of 0 leaves in-flight requests per
// destination unbounded.
type Delivery struct {
	Workers         int           `mapstructure:"workers"`
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	CallbackTimeout time.Duration `mapstructure:"callback_timeout"`
	ThrottleDelay   time.Duration `mapstructure:"throttle_delay"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RateLimit       int           `mapstructure:"rate_limit"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	SigningSecret   string        `mapstructure:"signing_secret"`
	DefaultBaseURL  string        `mapstructure:"default_base_url"`
}

type Retry struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// Callback is one callback description in list form. Map-keyed YAML would
// lose the case of URL template tokens.
type Callback struct {
	ID         string        `mapstructure:"id"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Operations []Operation   `mapstructure:"operations"`
}

type Operation struct {
	URL         string            `mapstructure:"url"`
	Method      string            `mapstructure:"method"`
	OperationID string            `mapstructure:"operation_id"`
	Parameters  []plan.Parameter  `mapstructure:"parameters"`
	RequestBody *plan.RequestBody `mapstructure:"request_body"`
}

// Plan converts c into the compiler's input.
func (c Callback) Plan() plan.Callback {
	cb := make(plan.Callback)
	for _, op := range c.Operations {
		item, ok := cb[op.URL]
		if !ok {
			item = make(plan.PathItem)
			cb[op.URL] = item
		}
		item[op.Method] = &plan.Operation{
			OperationID: op.OperationID,
			Parameters:  op.Parameters,
			RequestBody: op.RequestBody,
		}
	}
	return cb
}

func setDefaults(v *viper.Viper) {
	retryDefaults := retry.DefaultPolicy()

	v.SetDefault("addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("instance_id", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "callbacks.pending")
	v.SetDefault("kafka.consumer_group", "callbacks-workers")

	v.SetDefault("delivery.workers", 10)
	v.SetDefault("delivery.queue_capacity", 1024)
	v.SetDefault("delivery.callback_timeout", request.DefaultOptions().DefaultTimeout)
	v.SetDefault("delivery.throttle_delay", time.Second)
	v.SetDefault("delivery.poll_interval", 5*time.Second)
	v.SetDefault("delivery.rate_limit", 100)
	v.SetDefault("delivery.max_concurrency", 0)
	v.SetDefault("delivery.signing_secret", "")
	v.SetDefault("delivery.default_base_url", "")

	v.SetDefault("retry.initial_interval", retryDefaults.InitialInterval)
	v.SetDefault("retry.max_interval", retryDefaults.MaxInterval)
	v.SetDefault("retry.multiplier", retryDefaults.Multiplier)
	v.SetDefault("retry.jitter", retryDefaults.Jitter)
	v.SetDefault("retry.max_attempts", retryDefaults.MaxAttempts)
}

// envAliases maps flat environment names onto nested keys.
var envAliases = map[string]string{
	"kafka.brokers":             "KAFKA_BROKERS",
	"kafka.topic":               "KAFKA_TOPIC",
	"kafka.consumer_group":      "KAFKA_CONSUMER_GROUP",
	"delivery.workers":          "WORKERS",
	"delivery.queue_capacity":   "QUEUE_CAPACITY",
	"delivery.callback_timeout": "CALLBACK_TIMEOUT",
	"delivery.throttle_delay":   "THROTTLE_DELAY",
	"delivery.poll_interval":    "POLL_INTERVAL",
	"delivery.rate_limit":       "RATE_LIMIT",
	"delivery.max_concurrency":  "MAX_CONCURRENCY",
	"delivery.signing_secret":   "SIGNING_SECRET",
	"delivery.default_base_url": "DEFAULT_BASE_URL",
}

// Load reads path when non-empty, else the file named by CALLBACKS_CONFIG
// when set. Environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// RETRY_MAX_ATTEMPTS -> retry.max_attempts
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path == "" {
		path = v.GetString(strings.ToLower(EnvConfigFile))
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config failed: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList accepts both YAML lists and comma-separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Delivery.Workers <= 0 {
		return errors.New("delivery.workers must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.InitialInterval <= 0 {
		return errors.New("retry.initial_interval must be positive")
	}
	if c.Retry.MaxInterval <= 0 {
		return errors.New("retry.max_interval must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("retry.jitter must be between 0 and 1")
	}
	if c.Delivery.DefaultBaseURL != "" {
		if _, err := c.DefaultBaseURI(); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	for _, cb := range c.Callbacks {
		if cb.ID == "" {
			return errors.New("callbacks: id is required")
		}
		if seen[cb.ID] {
			return fmt.Errorf("callbacks: duplicate id %q", cb.ID)
		}
		seen[cb.ID] = true
	}
	for _, t := range c.Triggers {
		if t.Path == "" {
			return errors.New("triggers: path is required")
		}
		for _, id := range t.Callbacks {
			if !seen[id] {
				return fmt.Errorf("trigger %s references unknown callback %q", t.Path, id)
			}
		}
	}
	return nil
}

// DefaultBaseURI parses Delivery.DefaultBaseURL; nil when unset.
func (c *Config) DefaultBaseURI() (*url.URL, error) {
	if c.Delivery.DefaultBaseURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.Delivery.DefaultBaseURL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("delivery.default_base_url %q must be an absolute URL", c.Delivery.DefaultBaseURL)
	}
	return u, nil
}

func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = c.Retry.InitialInterval
	p.MaxInterval = c.Retry.MaxInterval
	p.Multiplier = c.Retry.Multiplier
	p.Jitter = c.Retry.Jitter
	p.MaxAttempts = c.Retry.MaxAttempts
	return p
}

// RequestOptions carries the default and per-callback timeouts.
func (c *Config) RequestOptions() request.Options {
	opts := request.Options{
		DefaultTimeout: c.Delivery.CallbackTimeout,
		Timeouts:       make(map[string]time.Duration),
	}
	for _, cb := range c.Callbacks {
		if cb.Timeout > 0 {
			opts.Timeouts[cb.ID] = cb.Timeout
		}
	}
	return opts
}

// Register compiles every configured callback into r.
func (c *Config) Register(r *plan.Registry) error {
	for _, cb := range c.Callbacks {
		if _, err := r.Register(cb.ID, cb.Plan()); err != nil {
			return fmt.Errorf("register callback %s: %w", cb.ID, err)
		}
	}
	return nil
}
