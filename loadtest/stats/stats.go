// Package stats aggregates client-side measurements from load test runs and
// prints a summary report, optionally alongside server-side metrics pulled
// from the /metrics endpoint.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// series accumulates one latency distribution.
type series struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (s *series) add(d time.Duration) {
	s.mu.Lock()
	s.samples = append(s.samples, d)
	s.mu.Unlock()
}

// summary returns avg, p50, p95, p99, max over a sorted copy of the samples.
func (s *series) summary() (avg, p50, p95, p99, max time.Duration, n int) {
	s.mu.Lock()
	sorted := make([]time.Duration, len(s.samples))
	copy(sorted, s.samples)
	s.mu.Unlock()

	n = len(sorted)
	if n == 0 {
		return
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg = sum / time.Duration(n)
	p50 = sorted[n/2]
	p95 = sorted[pctIndex(n, 0.95)]
	p99 = sorted[pctIndex(n, 0.99)]
	max = sorted[n-1]
	return
}

// pctIndex maps a percentile to a slice index using the nearest-rank method.
func pctIndex(n int, pct float64) int {
	idx := int(float64(n)*pct+0.999999) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Collector gathers connect latencies, message round-trip latencies, and
// error counts from many concurrent client goroutines.
type Collector struct {
	connects    series
	roundTrips  series
	errors      atomic.Int64
	connections atomic.Int64
	startedAt   time.Time

	mu      sync.Mutex
	scraper *Scraper
}

// NewCollector starts a collector with its clock set to now.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// SetScraper attaches a server metrics scraper whose findings are appended
// to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one successful connection and its handshake latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.connects.add(d)
	c.connections.Add(1)
}

// AddMsgLatency records a message round-trip measurement.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.roundTrips.add(d)
}

// AddError counts one failure of any kind.
func (c *Collector) AddError() {
	c.errors.Add(1)
}

// ConnectionCount returns successful connections so far.
func (c *Collector) ConnectionCount() int {
	return int(c.connections.Load())
}

// ErrorCount returns failures so far.
func (c *Collector) ErrorCount() int {
	return int(c.errors.Load())
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	elapsed := time.Since(c.startedAt)
	conns := c.ConnectionCount()
	errs := c.ErrorCount()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", conns)
	fmt.Printf("Errors:       %d\n", errs)
	if conns > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(errs)/float64(conns)*100)
	}

	printSeries("Connect Latency", &c.connects)
	printSeries("Message Latency", &c.roundTrips)

	c.mu.Lock()
	scraper := c.scraper
	c.mu.Unlock()
	if scraper != nil {
		scraper.Report()
	}

	fmt.Println()
}

func printSeries(title string, s *series) {
	avg, p50, p95, p99, max, n := s.summary()
	if n == 0 {
		return
	}
	fmt.Printf("\n--- %s ---\n", title)
	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		max.Round(time.Microsecond),
		n,
	)
}
