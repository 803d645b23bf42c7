package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairlink/signald/loadtest/client"
	"github.com/pairlink/signald/loadtest/stats"
)

// runSaturate opens a target number of idle WebSocket connections, ramping
// up over a configurable window, then holds them open while watching for
// drops. The connections never join matchmaking; the server's heartbeat
// pings keep them alive. The point is to find the connection ceiling before
// the server rejects or sheds load.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	pool := newClientPool(*connections)

	fmt.Println("\n--- Ramp-up phase ---")
	rampStart := time.Now()
	completed := rampUp(ctx, rampOptions{
		url:           *url,
		total:         *connections,
		duration:      *ramp,
		concurrency:   *concurrency,
		label:         "ramp",
		progressEvery: time.Second,
	}, collector, pool)

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	var dropped int
	if completed {
		dropped = holdConnections(ctx, pool, *hold)
	}

	pool.closeAll()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// holdConnections keeps the pool open for the hold window, periodically
// counting how many clients have seen errors. Returns the number of
// connections that dropped.
func holdConnections(ctx context.Context, pool *clientPool, hold time.Duration) int {
	fmt.Println("\n--- Hold phase ---")
	opened := pool.size()
	fmt.Printf("Holding %d connections for %s...\n", opened, hold)

	deadline := time.NewTimer(hold)
	defer deadline.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	dropped := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return dropped
		case <-deadline.C:
			fmt.Println("\nHold period complete.")
			return dropped
		case <-status.C:
			alive := countAlive(pool.snapshot())
			dropped = opened - alive
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, opened, dropped)
		}
	}
}

// countAlive treats a client with zero recorded errors as still healthy.
func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		if c.GetMetrics().Errors == 0 {
			alive++
		}
	}
	return alive
}
