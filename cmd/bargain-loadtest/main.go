package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faredown/bargain/internal/capsule"
	"github.com/faredown/bargain/internal/core"
	"github.com/faredown/bargain/internal/negotiation"
	"github.com/faredown/bargain/internal/offerability"
	"github.com/faredown/bargain/internal/policy"
	"github.com/faredown/bargain/internal/scoring"
	"github.com/faredown/bargain/pkg/client"
	"github.com/shopspring/decimal"
)

// LoadTestConfig holds load test parameters
type LoadTestConfig struct {
	NumRequests    int
	Concurrency    int
	ReportInterval time.Duration
	TargetURL      string
}

// LoadTestStats tracks test metrics
type LoadTestStats struct {
	TotalRequests       uint64
	Signed              uint64
	Aborted             uint64
	Failed              uint64
	TotalDuration       time.Duration
	AvgLatency          time.Duration
	MaxLatency          time.Duration
	MinLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
	ThroughputPerSecond float64

	mu        sync.Mutex
	latencies []time.Duration
	reasons   map[string]uint64
}

// negotiateFunc runs one round and reports the abort reason ("" when signed).
type negotiateFunc func(ctx context.Context, req client.OfferRequest) (string, error)

func main() {
	numRequests := flag.Int("requests", 1000, "Number of negotiations to run")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	reportInterval := flag.Duration("report", 5*time.Second, "Stats reporting interval")
	target := flag.String("target", "", "bargain API base URL (empty = in-process engine)")
	flag.Parse()

	config := LoadTestConfig{
		NumRequests:    *numRequests,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
		TargetURL:      *target,
	}

	negotiate, err := newNegotiator(config.TargetURL)
	if err != nil {
		slog.Error("Failed to set up negotiator", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting bargain load test",
		"requests", config.NumRequests,
		"concurrency", config.Concurrency,
		"target", targetName(config.TargetURL),
	)
	stats := runLoadTest(config, negotiate)
	printResults(stats)
}

func targetName(url string) string {
	if url == "" {
		return "in-process"
	}
	return url
}

func newNegotiator(target string) (negotiateFunc, error) {
	if target != "" {
		c := client.New(client.Config{BaseURL: target})
		return func(ctx context.Context, req client.OfferRequest) (string, error) {
			res, err := c.Offer(ctx, req)
			if err != nil {
				return "", err
			}
			if res.Aborted() {
				return res.Abort.Reason, nil
			}
			return "", nil
		}, nil
	}

	signer, err := capsule.NewEd25519Signer([]byte("loadtest-only-secret-0123456789"), "loadtest")
	if err != nil {
		return nil, err
	}
	orch := negotiation.NewOrchestrator(policy.NewStore(nil, nil, policy.Options{}), offerability.NewGenerator(),
		scoring.NewEngine(nil), capsule.NewCapsuleSigner(signer), nil)

	return func(ctx context.Context, req client.OfferRequest) (string, error) {
		out, err := orch.Negotiate(ctx, core.Session{
			SessionID:         req.SessionID,
			CanonicalKey:      req.CanonicalKey,
			DisplayedPriceUsd: decimal.RequireFromString(req.DisplayedPriceUsd),
			TrueCostUsd:       decimal.RequireFromString(req.TrueCostUsd),
		})
		if err != nil {
			return "", err
		}
		if out.Abort != nil {
			return string(out.Abort.Reason), nil
		}
		return "", nil
	}, nil
}

var products = []string{"flight:DEL-BOM", "hotel:BOM:2025-10-01", "sightseeing:GOA-CRUISE"}

// sampleRequest spreads load across product lines and margins; roughly one
// in ten requests has no feasible price.
func sampleRequest(rng *rand.Rand, workerID, n int) client.OfferRequest {
	displayed := decimal.NewFromInt(int64(80 + rng.Intn(400)))
	margin := decimal.NewFromFloat(0.05 + rng.Float64()*0.35)
	if rng.Intn(10) == 0 {
		margin = decimal.NewFromFloat(0.01)
	}
	cost := displayed.Mul(decimal.NewFromInt(1).Sub(margin)).Round(2)
	return client.OfferRequest{
		SessionID:         fmt.Sprintf("load-%d-%d", workerID, n),
		CanonicalKey:      products[rng.Intn(len(products))],
		DisplayedPriceUsd: displayed.StringFixed(2),
		TrueCostUsd:       cost.StringFixed(2),
	}
}

func runLoadTest(config LoadTestConfig, negotiate negotiateFunc) *LoadTestStats {
	stats := &LoadTestStats{
		MinLatency: time.Hour,
		reasons:    make(map[string]uint64),
	}

	jobs := make(chan int, config.NumRequests)
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reportStats(ctx, stats, config.ReportInterval)

	startTime := time.Now()
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(workerID) + 1))
			for n := range jobs {
				runOne(ctx, negotiate, sampleRequest(rng, workerID, n), stats)
			}
		}(i)
	}

	for i := 0; i < config.NumRequests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	stats.TotalDuration = time.Since(startTime)
	stats.ThroughputPerSecond = float64(stats.TotalRequests) / stats.TotalDuration.Seconds()

	stats.mu.Lock()
	if len(stats.latencies) > 0 {
		sort.Slice(stats.latencies, func(i, j int) bool { return stats.latencies[i] < stats.latencies[j] })
		stats.AvgLatency = calculateAverage(stats.latencies)
		stats.P95Latency = calculatePercentile(stats.latencies, 95)
		stats.P99Latency = calculatePercentile(stats.latencies, 99)
	}
	stats.mu.Unlock()

	return stats
}

func runOne(ctx context.Context, negotiate negotiateFunc, req client.OfferRequest, stats *LoadTestStats) {
	start := time.Now()
	reason, err := negotiate(ctx, req)
	latency := time.Since(start)

	atomic.AddUint64(&stats.TotalRequests, 1)
	switch {
	case err != nil:
		atomic.AddUint64(&stats.Failed, 1)
		slog.Debug("Negotiation failed", "session_id", req.SessionID, "error", err)
	case reason != "":
		atomic.AddUint64(&stats.Aborted, 1)
	default:
		atomic.AddUint64(&stats.Signed, 1)
	}

	stats.mu.Lock()
	stats.latencies = append(stats.latencies, latency)
	if reason != "" {
		stats.reasons[reason]++
	}
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	if latency < stats.MinLatency {
		stats.MinLatency = latency
	}
	stats.mu.Unlock()
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("Progress",
				"total", atomic.LoadUint64(&stats.TotalRequests),
				"signed", atomic.LoadUint64(&stats.Signed),
				"aborted", atomic.LoadUint64(&stats.Aborted),
				"failed", atomic.LoadUint64(&stats.Failed),
			)
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"
	pct := func(n uint64) float64 {
		if stats.TotalRequests == 0 {
			return 0
		}
		return float64(n) / float64(stats.TotalRequests) * 100
	}

	fmt.Println("\n" + separator)
	fmt.Println("BARGAIN LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Total Negotiations:     %d\n", stats.TotalRequests)
	fmt.Printf("Signed:                 %d (%.2f%%)\n", stats.Signed, pct(stats.Signed))
	fmt.Printf("Aborted:                %d (%.2f%%)\n", stats.Aborted, pct(stats.Aborted))
	for reason, n := range stats.reasons {
		fmt.Printf("  %-21s %d\n", reason+":", n)
	}
	fmt.Printf("Failed:                 %d (%.2f%%)\n", stats.Failed, pct(stats.Failed))
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration)
	fmt.Printf("Throughput:             %.2f negotiations/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Latency (min):          %v\n", stats.MinLatency)
	fmt.Printf("Latency (avg):          %v\n", stats.AvgLatency)
	fmt.Printf("Latency (p95):          %v\n", stats.P95Latency)
	fmt.Printf("Latency (p99):          %v\n", stats.P99Latency)
	fmt.Printf("Latency (max):          %v\n", stats.MaxLatency)
	fmt.Println(separator)

	budget := policy.Default().LatencyBudget()
	if stats.P99Latency < budget {
		fmt.Printf("PASS: p99 latency inside the %v guardrail\n", budget)
	} else {
		fmt.Printf("WARN: p99 latency above the %v guardrail\n", budget)
	}
	if stats.Failed == 0 {
		fmt.Println("PASS: no failed negotiations")
	} else {
		fmt.Println("FAIL: some negotiations failed")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

// calculatePercentile expects sorted input.
func calculatePercentile(sorted []time.Duration, percentile int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * float64(percentile) / 100.0)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
