package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// statusCounts tallies responses by HTTP status.
type statusCounts struct {
	mu     sync.Mutex
	counts map[int]int64
}

func (s *statusCounts) add(code int) {
	s.mu.Lock()
	s.counts[code]++
	s.mu.Unlock()
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/whoami", "Tenant listener URL")
	hosts := flag.String("hosts", "acme.example.com", "Comma-separated Host headers to rotate through")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 1000, "Requests per second limit")
	flag.Parse()

	hostList := strings.Split(*hosts, ",")
	log.Printf("Starting load test on %s across %d host(s)", *targetURL, len(hostList))
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d", *concurrency, *duration, *rps)

	var wg sync.WaitGroup
	var errorCount, totalLatency atomic.Int64
	statuses := &statusCounts{counts: make(map[int]int64)}
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 5 * time.Second,
			}

			for n := workerID; ; n++ {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodGet, *targetURL, nil)
				if err != nil {
					continue // Should not happen
				}
				req.Host = strings.TrimSpace(hostList[n%len(hostList)])
				req.Header.Set("X-Request-ID", uuid.NewString())

				start := time.Now()
				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						errorCount.Add(1)
					}
					continue
				}
				totalLatency.Add(int64(time.Since(start)))
				statuses.add(resp.StatusCode)
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	var answered int64
	codes := make([]int, 0, len(statuses.counts))
	for code, n := range statuses.counts {
		codes = append(codes, code)
		answered += n
	}
	sort.Ints(codes)

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", answered+errorCount.Load())
	for _, code := range codes {
		log.Printf("  %d %s: %d", code, http.StatusText(code), statuses.counts[code])
	}
	log.Printf("Transport Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", float64(answered)/duration.Seconds())
	if answered > 0 {
		log.Printf("Mean Latency: %s", time.Duration(totalLatency.Load()/answered))
	}
}
