package urlresolve

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/felipemaragno/callbacks/internal/domain"
)

const statusTemplate = "{$request.body#/callbackUrls/status}/v1/payments/{paymentId}/status"

func statusPayload() map[string]any {
	return map[string]any{
		"callbackUrls": map[string]any{"status": "https://hooks.example.com"},
	}
}

func newContext(base string, vars map[string]any, payload any) domain.RuntimeContext {
	var baseURL *url.URL
	if base != "" {
		baseURL, _ = url.Parse(base)
	}
	return domain.NewRuntimeContext("corr-1", "seed", baseURL, domain.NewVars(vars), payload)
}

func TestResolve_RuntimeExpressionRoundTrip(t *testing.T) {
	rc := newContext("", map[string]any{"paymentId": "a b"}, statusPayload())

	got, err := NewResolver().Resolve(statusTemplate, rc)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := "https://hooks.example.com/v1/payments/a%20b/status"
	if got.String() != want {
		t.Errorf("Resolve() = %q, want %q", got.String(), want)
	}
}

func TestResolve_TokenLookupIgnoresCase(t *testing.T) {
	rc := newContext("", map[string]any{"PAYMENTID": 42}, statusPayload())

	got, err := NewResolver().Resolve(statusTemplate, rc)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.String() != "https://hooks.example.com/v1/payments/42/status" {
		t.Errorf("Resolve() = %q", got.String())
	}
}

func TestResolve_MissingTokenNamesToken(t *testing.T) {
	rc := newContext("", map[string]any{}, statusPayload())

	_, err := NewResolver().Resolve(statusTemplate, rc)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "paymentId") {
		t.Errorf("error %q does not name the token", err)
	}
	if !errors.Is(err, domain.ErrResolution) {
		t.Errorf("error %v does not wrap ErrResolution", err)
	}
	var re *domain.ResolutionError
	if !errors.As(err, &re) || re.Reason != domain.ReasonMissingToken {
		t.Errorf("Reason = %+v, want %q", re, domain.ReasonMissingToken)
	}
}

func TestResolve_NullPayload(t *testing.T) {
	rc := newContext("https://base.example.com", map[string]any{"paymentId": "p1"}, nil)

	_, err := NewResolver().Resolve(statusTemplate, rc)
	if err == nil || !strings.Contains(err.Error(), "request body is null") {
		t.Fatalf("Resolve() error = %v, want request body is null", err)
	}
}

func TestResolve_RelativeTemplate(t *testing.T) {
	const template = "/v1/payments/{paymentId}"

	_, err := NewResolver().Resolve(template, newContext("", map[string]any{"paymentId": "p1"}, nil))
	if err == nil || !strings.Contains(err.Error(), "DefaultBaseUri is null") {
		t.Fatalf("Resolve() without base error = %v, want DefaultBaseUri is null", err)
	}

	got, err := NewResolver().Resolve(template, newContext("https://base.example.com", map[string]any{"paymentId": "p1"}, nil))
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.String() != "https://base.example.com/v1/payments/p1" {
		t.Errorf("Resolve() = %q, want https://base.example.com/v1/payments/p1", got.String())
	}
}

func TestResolve_Failures(t *testing.T) {
	tests := []struct {
		name     string
		template string
		payload  any
		reason   string
	}{
		{"unsupported source", "{$request.query.id}/x", statusPayload(), domain.ReasonUnsupportedExpr},
		{"pointer not found", "{$request.body#/callbackUrls/missing}/x", statusPayload(), domain.ReasonPointerNotFound},
		{"pointer to object", "{$request.body#/callbackUrls}/x", statusPayload(), domain.ReasonPointerNotFound},
		{"unterminated expression", "{$request.body#/a", statusPayload(), domain.ReasonMalformedTemplate},
		{"unterminated token", "https://h.example.com/{paymentId", nil, domain.ReasonMalformedTemplate},
		{"expression mid template", "https://h.example.com/{$request.body#/a}", statusPayload(), domain.ReasonUnsupportedExpr},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().Resolve(tt.template, newContext("", map[string]any{"paymentId": "p"}, tt.payload))
			var re *domain.ResolutionError
			if !errors.As(err, &re) {
				t.Fatalf("Resolve() error = %v, want *ResolutionError", err)
			}
			if re.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", re.Reason, tt.reason)
			}
		})
	}
}

func TestResolve_TypedPayload(t *testing.T) {
	type urls struct {
		Status string `json:"status"`
	}
	type body struct {
		CallbackUrls urls `json:"callbackUrls"`
	}
	rc := newContext("", map[string]any{"paymentId": "p1"}, body{CallbackUrls: urls{Status: "https://typed.example.com"}})

	got, err := NewResolver().Resolve(statusTemplate, rc)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.String() != "https://typed.example.com/v1/payments/p1/status" {
		t.Errorf("Resolve() = %q", got.String())
	}
}
