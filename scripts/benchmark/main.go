// Benchmark for end-to-end callback throughput: fires triggers at the
// dispatch service and waits for the receiver to count the deliveries.
//
// Usage: go run ./scripts/benchmark -triggers 10000 -path /payments
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

type triggerBody struct {
	CallbackURLs map[string]string `json:"callbackUrls"`
	Sequence     int               `json:"seq"`
}

type receiverStats struct {
	Delivered  uint64 `json:"delivered"`
	Duplicates uint64 `json:"duplicates"`
}

func main() {
	numTriggers := flag.Int("triggers", 10000, "Number of trigger requests")
	apiURL := flag.String("api", "http://localhost:8080", "Dispatch service URL")
	path := flag.String("path", "/payments", "Trigger route prefix; the sequence number is appended")
	receiverURL := flag.String("receiver", "http://receiver:9999", "Callback base URL placed in each trigger body")
	statsURL := flag.String("stats", "http://localhost:9999/stats", "Receiver stats URL")
	concurrency := flag.Int("concurrency", 100, "Concurrent HTTP requests")
	waitTime := flag.Duration("wait", 60*time.Second, "Maximum time to wait for delivery")
	flag.Parse()

	fmt.Println("==============================================")
	fmt.Println("  Callback Throughput Benchmark")
	fmt.Println("==============================================")
	fmt.Printf("  Triggers: %d\n", *numTriggers)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Println("==============================================")
	fmt.Println()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	fmt.Print("[1/3] Checking API health... ")
	resp, err := client.Get(*apiURL + "/health")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API unhealthy: %d", resp.StatusCode)
	}
	fmt.Println("OK")

	baseline := fetchStats(client, *statsURL)

	fmt.Printf("[2/3] Sending %d triggers... ", *numTriggers)
	start := time.Now()
	accepted, failed := sendTriggers(client, *apiURL+*path, *receiverURL, *numTriggers, *concurrency)
	ingest := time.Since(start)
	fmt.Printf("done (%.2fs, %.0f triggers/s)\n", ingest.Seconds(), float64(accepted)/ingest.Seconds())
	if failed > 0 {
		fmt.Printf("  WARNING: %d triggers were not accepted\n", failed)
	}

	fmt.Printf("[3/3] Waiting up to %s for delivery...\n", *waitTime)
	deadline := time.Now().Add(*waitTime)
	var delivered, duplicates uint64
	for time.Now().Before(deadline) {
		s := fetchStats(client, *statsURL)
		delivered = s.Delivered - baseline.Delivered
		duplicates = s.Duplicates - baseline.Duplicates
		if delivered >= uint64(accepted) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	total := time.Since(start)

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  BENCHMARK RESULTS")
	fmt.Println("==============================================")
	fmt.Println()
	fmt.Println("  Ingestion (trigger -> queue):")
	fmt.Printf("    Accepted: %d\n", accepted)
	fmt.Printf("    Throughput: %.0f triggers/s\n", float64(accepted)/ingest.Seconds())
	fmt.Println()
	fmt.Println("  End-to-end:")
	fmt.Printf("    Delivered: %d (duplicates: %d)\n", delivered, duplicates)
	fmt.Printf("    Total duration: %.2fs\n", total.Seconds())
	fmt.Printf("    Throughput: %.0f callbacks/s\n", float64(delivered)/total.Seconds())
	fmt.Println()
	fmt.Println("==============================================")
}

func fetchStats(client *http.Client, url string) receiverStats {
	var s receiverStats
	resp, err := client.Get(url)
	if err != nil {
		return s
	}
	defer resp.Body.Close()
	_ = json.NewDecoder(resp.Body).Decode(&s)
	return s
}

func sendTriggers(client *http.Client, triggerURL, receiverURL string, count, concurrency int) (int64, int64) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, concurrency)
	var accepted, failed int64

	for i := 1; i <= count; i++ {
		wg.Add(1)
		sem <- struct{}{}

		go func(seq int) {
			defer wg.Done()
			defer func() { <-sem }()

			body, _ := json.Marshal(triggerBody{
				CallbackURLs: map[string]string{"status": receiverURL},
				Sequence:     seq,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			url := fmt.Sprintf("%s/bench-%d", triggerURL, seq)
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode == http.StatusAccepted {
				atomic.AddInt64(&accepted, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}
		}(i)
	}

	wg.Wait()
	return accepted, failed
}
