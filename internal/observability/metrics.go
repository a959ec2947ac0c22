// Package observability provides Prometheus metrics, health checks, and logging.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the callback engine.
//
// Key metrics for monitoring:
//   - callbacks_enqueued_total: requests accepted for delivery
//   - callbacks_delivered_total: successful deliveries
//   - callbacks_failed_total: permanent failures (alerts)
//   - delivery_duration_seconds: latency distribution
//   - circuit_breaker_state: destination health (0=ok, 2=failing)
type Metrics struct {
	CallbacksEnqueued   prometheus.Counter
	CallbacksDelivered  prometheus.Counter
	CallbacksFailed     prometheus.Counter
	CallbacksRetrying   prometheus.Counter
	CallbacksThrottled  prometheus.Counter
	ResolutionErrors    prometheus.Counter
	DeliveryDuration    prometheus.Histogram
	DeliveryAttempts    *prometheus.CounterVec
	QueueDepth          prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimiterRejections *prometheus.CounterVec
}

// NewMetrics registers the metrics with the default registerer. The
// namespace prefixes every name (e.g. "callbacks_delivery_duration_seconds").
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the metrics with reg.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallbacksEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_enqueued_total",
			Help:      "Total number of callback requests handed to the delivery queue",
		}),
		CallbacksDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_delivered_total",
			Help:      "Total number of callbacks successfully delivered",
		}),
		CallbacksFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_failed_total",
			Help:      "Total number of callbacks that failed permanently",
		}),
		CallbacksRetrying: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_retrying_total",
			Help:      "Total number of callbacks scheduled for retry",
		}),
		CallbacksThrottled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_throttled_total",
			Help:      "Total number of callbacks deferred by rate limiting or circuit breaker",
		}),
		ResolutionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_resolution_errors_total",
			Help:      "Total number of callbacks rejected before enqueue because they could not be resolved",
		}),
		DeliveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of callback delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts by outcome",
		}, []string{"outcome"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of callback requests waiting in the in-process queue",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		CircuitBreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"destination"}),
		CircuitBreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times circuit breaker tripped to open state",
		}, []string{"destination"}),
		RateLimiterRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limiter_rejections_total",
			Help:      "Total number of attempts rejected by rate limiter",
		}, []string{"destination"}),
	}
}
