package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pairlink/signald/loadtest/client"
	"github.com/pairlink/signald/loadtest/stats"
)

// clientPool tracks the clients a test has opened so later phases can iterate
// them and cleanup can close them all.
type clientPool struct {
	mu    sync.Mutex
	conns []*client.Client
}

func newClientPool(capacity int) *clientPool {
	return &clientPool{conns: make([]*client.Client, 0, capacity)}
}

func (p *clientPool) add(c *client.Client) {
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
}

func (p *clientPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// snapshot returns a copy of the current client list, safe to iterate while
// other goroutines keep adding.
func (p *clientPool) snapshot() []*client.Client {
	p.mu.Lock()
	out := make([]*client.Client, len(p.conns))
	copy(out, p.conns)
	p.mu.Unlock()
	return out
}

// dropLast removes and returns the most recently added client, or nil when
// the pool is empty. Used to even out the pool before pairing.
func (p *clientPool) dropLast() *client.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	c := p.conns[len(p.conns)-1]
	p.conns = p.conns[:len(p.conns)-1]
	return c
}

// closeAll closes every tracked connection.
func (p *clientPool) closeAll() {
	fmt.Println("\n--- Cleanup ---")
	p.mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(p.conns))
	for _, c := range p.conns {
		c.Close()
	}
	p.mu.Unlock()
	fmt.Println("All connections closed.")
}

// rampOptions configures a connection ramp.
type rampOptions struct {
	url           string
	total         int
	duration      time.Duration // dials are spread evenly across this window
	concurrency   int           // bound on simultaneous dial attempts
	label         string        // tag shown in progress lines
	progressEvery time.Duration // 0 disables progress reporting
}

// rampUp dials opts.total clients against opts.url, pacing launches across
// opts.duration with at most opts.concurrency dials in flight. Successful
// clients land in the pool; failures count against the collector. It returns
// false if the context was cancelled before every dial was launched.
func rampUp(ctx context.Context, opts rampOptions, collector *stats.Collector, pool *clientPool) bool {
	pace := opts.duration / time.Duration(opts.total)
	if pace <= 0 {
		pace = time.Millisecond
	}

	stopProgress := func() {}
	if opts.progressEvery > 0 {
		stopProgress = reportRampProgress(opts, collector)
	}

	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(pace)
	defer ticker.Stop()

	completed := true
	for launched := 0; launched < opts.total; {
		select {
		case <-ctx.Done():
			fmt.Printf("\nInterrupted during %s phase.\n", opts.label)
			completed = false
			launched = opts.total
		case <-ticker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := client.New(dialCtx, opts.url)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)
				pool.add(c)
			}()
		}
	}

	wg.Wait()
	stopProgress()
	return completed
}

// reportRampProgress prints connection counts and dial rate on an interval.
// The returned function stops the reporter and waits for it to exit.
func reportRampProgress(opts rampOptions, collector *stats.Collector) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(opts.progressEvery)
		defer ticker.Stop()

		prev := 0
		prevAt := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				conns := collector.ConnectionCount()
				rate := float64(conns-prev) / now.Sub(prevAt).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					opts.label, conns, opts.total, collector.ErrorCount(), rate)
				prev = conns
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
