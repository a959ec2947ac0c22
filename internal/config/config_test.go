package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felipemaragno/callbacks/internal/plan"
)

const sampleYAML = `
addr: ":9090"
delivery:
  workers: 4
  default_base_url: "https://hooks.example.com"
retry:
  max_attempts: 3
callbacks:
  - id: paymentStatus
    timeout: 5s
    operations:
      - url: "{$request.body#/callbackUrls/status}/v1/payments/{paymentId}/status"
        method: post
        operation_id: notifyStatus
        parameters:
          - name: paymentId
            in: path
        request_body:
          content: ["application/json"]
triggers:
  - method: POST
    path: /payments/{paymentId}
    callbacks: [paymentStatus]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbacks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.Delivery.Workers != 10 || cfg.Delivery.QueueCapacity != 1024 {
		t.Errorf("Delivery = %+v", cfg.Delivery)
	}
	if cfg.Delivery.CallbackTimeout != 30*time.Second {
		t.Errorf("CallbackTimeout = %v", cfg.Delivery.CallbackTimeout)
	}
	p := cfg.RetryPolicy()
	if p.InitialInterval != 2*time.Second || p.Jitter != 0.125 || p.MaxAttempts != 5 {
		t.Errorf("RetryPolicy() = %+v", p)
	}
	if cfg.Kafka.Topic != "callbacks.pending" || len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" || cfg.Delivery.Workers != 4 || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.Callbacks) != 1 || len(cfg.Triggers) != 1 {
		t.Fatalf("callbacks = %d, triggers = %d", len(cfg.Callbacks), len(cfg.Triggers))
	}
	if cfg.Triggers[0].Path != "/payments/{paymentId}" {
		t.Errorf("trigger path = %q", cfg.Triggers[0].Path)
	}

	opts := cfg.RequestOptions()
	if opts.Timeouts["paymentStatus"] != 5*time.Second {
		t.Errorf("Timeouts = %v", opts.Timeouts)
	}

	registry := plan.NewRegistry()
	if err := cfg.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	plans, err := registry.Plans("paymentStatus")
	if err != nil || len(plans) != 1 {
		t.Fatalf("Plans() = %v, %v", plans, err)
	}
	if !strings.Contains(plans[0].URLTemplate(), "{paymentId}") {
		t.Errorf("URLTemplate() = %q, token case must survive", plans[0].URLTemplate())
	}
	if plans[0].OperationID() != "notifyStatus" || plans[0].Method() != "POST" {
		t.Errorf("plan = %s %s", plans[0].Method(), plans[0].OperationID())
	}

	base, err := cfg.DefaultBaseURI()
	if err != nil || base.Host != "hooks.example.com" {
		t.Errorf("DefaultBaseURI() = %v, %v", base, err)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvConfigFile, writeConfig(t, sampleYAML))
	t.Setenv("WORKERS", "7")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RETRY_INITIAL_INTERVAL", "500ms")
	t.Setenv("DATABASE_URL", "postgres://db/callbacks")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Delivery.Workers != 7 {
		t.Errorf("Workers = %d, want 7", cfg.Delivery.Workers)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Retry.InitialInterval != 500*time.Millisecond {
		t.Errorf("InitialInterval = %v", cfg.Retry.InitialInterval)
	}
	if cfg.DatabaseURL != "postgres://db/callbacks" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, file value should survive", cfg.Retry.MaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown callback", "triggers:\n  - path: /x\n    callbacks: [nope]\n", "unknown callback"},
		{"duplicate callback", "callbacks:\n  - id: a\n  - id: a\n", "duplicate id"},
		{"relative base url", "delivery:\n  default_base_url: /relative\n", "absolute URL"},
		{"bad jitter", "retry:\n  jitter: 2\n", "jitter"},
		{"zero initial interval", "retry:\n  initial_interval: 0s\n", "initial_interval"},
		{"uncapped backoff", "retry:\n  max_interval: 0s\n", "max_interval"},
		{"shrinking multiplier", "retry:\n  multiplier: 0.5\n", "multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}
