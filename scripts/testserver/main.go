// Callback receiver for local and load testing. It verifies signatures when
// a secret is given, de-duplicates deliveries by Idempotency-Key and can
// simulate latency and failures.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/felipemaragno/callbacks/internal/observability"
	"github.com/felipemaragno/callbacks/internal/request"
	"github.com/felipemaragno/callbacks/internal/sender"
)

type stats struct {
	requests   atomic.Uint64
	delivered  atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	failures   atomic.Uint64
}

type Stats struct {
	Requests   uint64 `json:"requests"`
	Delivered  uint64 `json:"delivered"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Failures   uint64 `json:"failures"`
}

func (s *stats) snapshot() Stats {
	return Stats{
		Requests:   s.requests.Load(),
		Delivered:  s.delivered.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Failures:   s.failures.Load(),
	}
}

func main() {
	port := flag.Int("port", 9999, "port to listen on")
	secret := flag.String("secret", os.Getenv("SIGNING_SECRET"), "HMAC secret; empty skips verification")
	maxAge := flag.Duration("max-age", 5*time.Minute, "maximum signature age")
	fail := flag.Bool("fail", false, "return 500 errors")
	failRate := flag.Float64("fail-rate", 0, "random failure rate (0.0-1.0)")
	latency := flag.Int("latency", 100, "average response latency in ms")
	jitter := flag.Int("jitter", 20, "latency jitter in ms (+/-)")
	quiet := flag.Bool("quiet", false, "suppress per-request logging")
	flag.Parse()

	logger := observability.SetupLogger(os.Stdout, "info", "text")
	slog.SetDefault(logger)

	var (
		st   stats
		seen sync.Map
	)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			s := st.snapshot()
			if s.Requests > 0 {
				slog.Info("stats",
					"requests", s.Requests,
					"delivered", s.Delivered,
					"duplicates", s.Duplicates,
					"rejected", s.Rejected,
					"failures", s.Failures,
				)
			}
		}
	}()

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st.snapshot())
	})

	r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		st.requests.Add(1)

		delay := time.Duration(*latency) * time.Millisecond
		if *jitter > 0 {
			delay += time.Duration(rand.Intn(*jitter*2)-*jitter) * time.Millisecond
		}
		time.Sleep(delay)

		body, _ := io.ReadAll(r.Body)

		if *secret != "" {
			ok := sender.VerifySignature(*secret,
				r.Header.Get(sender.HeaderTimestamp),
				body,
				r.Header.Get(sender.HeaderSignature),
				time.Now(),
				*maxAge,
			)
			if !ok {
				st.rejected.Add(1)
				http.Error(w, "invalid signature", http.StatusUnauthorized)
				return
			}
		}

		if *fail || (*failRate > 0 && rand.Float64() < *failRate) {
			st.failures.Add(1)
			http.Error(w, "simulated failure", http.StatusInternalServerError)
			return
		}

		key := r.Header.Get(sender.HeaderIdempotencyKey)
		if key != "" {
			if _, dup := seen.LoadOrStore(key, struct{}{}); dup {
				st.duplicates.Add(1)
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		st.delivered.Add(1)

		if !*quiet {
			logger.Info("callback received",
				"path", r.URL.Path,
				"callback_id", r.Header.Get(request.HeaderCallbackID),
				"correlation_id", r.Header.Get(observability.HeaderCorrelationID),
				"idempotency_key", key,
				"latency", delay,
				"bytes", len(body),
			)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("callback receiver listening",
		"addr", addr,
		"verify_signatures", *secret != "",
		"latency_ms", *latency,
		"jitter_ms", *jitter,
		"fail", *fail,
		"fail_rate", *failRate,
	)
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
