package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairlink/signald/loadtest/client"
	"github.com/pairlink/signald/loadtest/stats"
)

// runMatch drives the matchmaking flow under load: every simulated
// participant connects, sends join, and waits to be paired. Matching happens
// immediately on join (there is no accept step), so the test measures pairing
// throughput and how long matched notifications take to arrive.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of participant pairs to match")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for matched")
	interests := fs.String("interests", "", "Comma-separated interest tags (empty = unconditional matching)")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2
	interestTags := splitInterests(*interests)

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, interests=%q, concurrency=%d)\n",
		*pairs, totalClients, *url, *ramp, *matchTimeout, *interests, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	pool := newClientPool(totalClients)

	fmt.Println("\n--- Phase 1: Connect all participants ---")
	rampStart := time.Now()
	completed := rampUp(ctx, rampOptions{
		url:           *url,
		total:         totalClients,
		duration:      *ramp,
		concurrency:   *concurrency,
		label:         "connect",
		progressEvery: 2 * time.Second,
	}, collector, pool)

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		pool.size(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !completed {
		fmt.Println("Interrupted — skipping matching phases.")
		pool.closeAll()
		scraper.Stop()
		collector.Report()
		return
	}

	// Phase 2: every client registers a matched handler, then joins.
	fmt.Println("\n--- Phase 2: Start matchmaking ---")

	active := pool.snapshot()
	fmt.Printf("Sending join from %d clients (interests=%v)...\n", len(active), interestTags)

	var matched atomic.Int64    // clients that received matched
	var initiators atomic.Int64 // clients told to originate the offer
	var wg sync.WaitGroup

	matchStart := time.Now()

	for _, c := range active {
		c := c
		wg.Add(1)

		done := make(chan struct{})
		c.On(client.TypeMatched, func(raw json.RawMessage) {
			collector.AddMsgLatency(time.Since(matchStart))
			matched.Add(1)

			var m struct {
				IsInitiator bool `json:"is_initiator"`
			}
			if err := json.Unmarshal(raw, &m); err == nil && m.IsInitiator {
				initiators.Add(1)
			}
			close(done)
		})

		go func() {
			defer wg.Done()
			timeout := time.NewTimer(*matchTimeout)
			defer timeout.Stop()
			select {
			case <-done:
			case <-timeout.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.Join(interestTags); err != nil {
			collector.AddError()
		}
	}

	// Phase 3: wait until every client either matched or timed out.
	fmt.Println("\n--- Phase 3: Waiting for matches ---")
	stopProgress := reportMatchProgress(&matched, *pairs, collector)

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}
	stopProgress()

	matchElapsed := time.Since(matchStart)
	finalMatched := matched.Load()
	finalInitiators := initiators.Load()
	successfulPairs := finalMatched / 2

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Successful pairs:  %d / %d\n", successfulPairs, *pairs)
	fmt.Printf("Clients matched:   %d / %d\n", finalMatched, len(active))
	fmt.Printf("Initiators:        %d (expected %d, one per pair)\n", finalInitiators, successfulPairs)
	fmt.Printf("Match duration:    %s\n", matchElapsed.Round(time.Millisecond))
	if matchElapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(successfulPairs)/matchElapsed.Seconds())
	}

	pool.closeAll()
	scraper.Stop()
	collector.Report()
}

// reportMatchProgress prints pairing progress every 2 seconds until the
// returned stop function is called.
func reportMatchProgress(matched *atomic.Int64, wantPairs int, collector *stats.Collector) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		var prev int64
		prevAt := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				cur := matched.Load()
				rate := float64(cur-prev) / now.Sub(prevAt).Seconds()
				// Two matched clients make one pair.
				fmt.Printf("  [match] pairs: %d/%d  matched: %d  errors: %d  rate: %.1f match/s\n",
					cur/2, wantPairs, cur, collector.ErrorCount(), rate)
				prev = cur
				prevAt = now
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

// splitInterests parses a comma-separated tag list, dropping empties. The
// result is never nil so joins always carry an interests array.
func splitInterests(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
