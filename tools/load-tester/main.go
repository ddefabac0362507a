package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/V4T54L/subwatch/internal/domain"
)

// batchBuilder produces NDJSON bodies mixing fresh events with duplicates,
// malformed lines and clean-up markers.
type batchBuilder struct {
	orgs          int
	batchSize     int
	duplicateRate float64
	malformedRate float64
	cleanUpRate   float64
}

func (b batchBuilder) build(rng *rand.Rand, now time.Time) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	orgID := fmt.Sprintf("org-%d", rng.IntN(b.orgs))
	hour := now.Truncate(time.Hour)

	var last *domain.Event
	for i := 0; i < b.batchSize; i++ {
		switch r := rng.Float64(); {
		case r < b.malformedRate:
			buf.WriteString(`{"org_id":"` + orgID + `","instance_id":`)
			buf.WriteByte('\n')
			continue
		case last != nil && r < b.malformedRate+b.duplicateRate:
			dup := *last
			dup.EventID = uuid.New()
			dup.DisplayName = "duplicate"
			enc.Encode(dup)
			continue
		case r < b.malformedRate+b.duplicateRate+b.cleanUpRate:
			enc.Encode(domain.Event{
				EventID:     uuid.New(),
				OrgID:       orgID,
				EventSource: "load-tester",
				EventType:   domain.CleanUpEventTypePrefix + "snapshot",
				Timestamp:   hour,
			})
			continue
		}

		e := domain.Event{
			EventID:      uuid.New(),
			OrgID:        orgID,
			EventSource:  "load-tester",
			EventType:    "snapshot",
			InstanceID:   uuid.NewString(),
			ServiceType:  "RHEL System",
			Timestamp:    hour,
			ProductTags:  []string{"RHEL for x86"},
			Measurements: []domain.EventMeasurement{{MetricID: "Cores", Value: float64(1 + rng.IntN(16))}},
		}
		enc.Encode(e)
		last = &e
	}
	return buf.Bytes()
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/events", "Target URL for ingestion")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 100, "Requests per second limit")
	batchSize := flag.Int("batch", 50, "Events per request")
	orgs := flag.Int("orgs", 20, "Number of distinct organizations")
	duplicates := flag.Float64("dup", 0.1, "Share of events repeating the previous key")
	malformed := flag.Float64("bad", 0.02, "Share of malformed lines")
	cleanUps := flag.Float64("cleanup", 0.01, "Share of clean-up markers")
	compress := flag.Bool("gzip", false, "Send gzip encoded bodies")
	flag.Parse()

	log.Printf("Starting load test on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Batch: %d", *concurrency, *duration, *rps, *batchSize)

	builder := batchBuilder{
		orgs:          max(*orgs, 1),
		batchSize:     *batchSize,
		duplicateRate: *duplicates,
		malformedRate: *malformed,
		cleanUpRate:   *cleanUps,
	}

	var wg sync.WaitGroup
	var successCount, errorCount, eventCount atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), *concurrency)

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			rng := rand.New(rand.NewPCG(uint64(workerID), uint64(time.Now().UnixNano())))

			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}

				body := builder.build(rng, time.Now())
				if *compress {
					var zbuf bytes.Buffer
					zw := gzip.NewWriter(&zbuf)
					zw.Write(body)
					zw.Close()
					body = zbuf.Bytes()
				}

				req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(body))
				if err != nil {
					continue
				}
				req.Header.Set("Content-Type", "application/x-ndjson")
				if *compress {
					req.Header.Set("Content-Encoding", "gzip")
				}

				resp, err := client.Do(req)
				if err != nil {
					if ctx.Err() == nil {
						errorCount.Add(1)
					}
					continue
				}

				var result struct {
					Accepted int64 `json:"accepted"`
				}
				if resp.StatusCode == http.StatusAccepted {
					successCount.Add(1)
					if json.NewDecoder(resp.Body).Decode(&result) == nil {
						eventCount.Add(result.Accepted)
					}
				} else {
					errorCount.Add(1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	totalRequests := successCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Successful (202 Accepted): %d", successCount.Load())
	log.Printf("Events accepted: %d", eventCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}
