package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWith(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "callbacks")

	if m.CallbacksEnqueued == nil || m.CallbacksDelivered == nil || m.CallbacksFailed == nil {
		t.Fatal("callback counters should not be nil")
	}
	if m.DeliveryDuration == nil || m.DeliveryAttempts == nil || m.QueueDepth == nil {
		t.Fatal("delivery metrics should not be nil")
	}

	m.CallbacksDelivered.Inc()
	m.DeliveryAttempts.WithLabelValues("success").Inc()
	m.QueueDepth.Set(3)

	if got := testutil.ToFloat64(m.CallbacksDelivered); got != 1 {
		t.Errorf("CallbacksDelivered = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("QueueDepth = %v, want 3", got)
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Post("/payments/{paymentId}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/p1", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/payments/{paymentId}", "202"))
	if got != 1 {
		t.Errorf("http_requests_total = %v, want 1", got)
	}
}

func TestMetricsMiddleware_UnmatchedRoute(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry(), "test")

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	if got != 1 {
		t.Errorf("http_requests_total{path=unmatched} = %v, want 1", got)
	}
}
