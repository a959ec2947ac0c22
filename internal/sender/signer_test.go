package sender

import (
	"net/http"
	"testing"
	"time"

	"github.com/felipemaragno/callbacks/internal/clock"
	"github.com/felipemaragno/callbacks/internal/domain"
)

func TestHMACSigner_Sign(t *testing.T) {
	now := time.Unix(1700000000, 0)
	signer, err := NewHMACSigner("secret", clock.NewMockClock(now))
	if err != nil {
		t.Fatalf("NewHMACSigner() error = %v", err)
	}

	httpReq, _ := http.NewRequest(http.MethodPost, "http://receiver.example", nil)
	req := &domain.CallbackRequest{Body: []byte(`{"a":1}`)}

	if err := signer.Sign(httpReq, req); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if httpReq.Header.Get(HeaderTimestamp) != "1700000000" {
		t.Errorf("timestamp = %q", httpReq.Header.Get(HeaderTimestamp))
	}
	want := "sha256=" + computeSignature([]byte("secret"), "1700000000", req.Body)
	if httpReq.Header.Get(HeaderSignature) != want {
		t.Errorf("signature = %q, want %q", httpReq.Header.Get(HeaderSignature), want)
	}
}

func TestNewHMACSigner_EmptySecret(t *testing.T) {
	if _, err := NewHMACSigner("", nil); err != ErrEmptySecret {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	body := []byte("payload")
	valid := "sha256=" + computeSignature([]byte("secret"), "1700000000", body)

	tests := []struct {
		name      string
		secret    string
		timestamp string
		body      []byte
		signature string
		maxAge    time.Duration
		want      bool
	}{
		{"valid", "secret", "1700000000", body, valid, time.Minute, true},
		{"no freshness check", "secret", "1700000000", body, valid, 0, true},
		{"wrong secret", "other", "1700000000", body, valid, time.Minute, false},
		{"tampered body", "secret", "1700000000", []byte("payload!"), valid, time.Minute, false},
		{"shifted timestamp", "secret", "1700000001", body, valid, time.Minute, false},
		{"missing prefix", "secret", "1700000000", body, valid[len("sha256="):], time.Minute, false},
		{"stale", "secret", "1699990000", body, "sha256=" + computeSignature([]byte("secret"), "1699990000", body), time.Minute, false},
		{"bad timestamp", "secret", "yesterday", body, valid, time.Minute, false},
		{"empty secret", "", "1700000000", body, valid, time.Minute, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := VerifySignature(tt.secret, tt.timestamp, tt.body, tt.signature, now, tt.maxAge)
			if got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
