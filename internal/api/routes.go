package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felipemaragno/callbacks/internal/observability"
)

// RouterConfig wires the trigger host. Gatherer defaults to the global
// Prometheus registry.
type RouterConfig struct {
	Handler       *Handler
	HealthHandler *observability.HealthHandler
	Metrics       *observability.Metrics
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger
	Triggers      []Trigger
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if cfg.Logger != nil {
		r.Use(observability.LoggingMiddleware(cfg.Logger))
	}

	if cfg.Metrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", cfg.HealthHandler.Health)
	r.Get("/ready", cfg.HealthHandler.Ready)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	if cfg.Handler.reader != nil {
		r.Route("/callbacks", func(r chi.Router) {
			r.Get("/{id}", cfg.Handler.GetCallback)
			r.Get("/{id}/attempts", cfg.Handler.GetCallbackAttempts)
		})
	}

	for _, t := range cfg.Triggers {
		method := strings.ToUpper(t.Method)
		if method == "" {
			method = http.MethodPost
		}
		r.Method(method, t.Path, cfg.Handler.Trigger(t))
	}

	return r
}
