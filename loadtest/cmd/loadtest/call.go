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

// pairResult tracks the outcome of a single call pair's lifecycle.
type pairResult struct {
	matched      bool
	handshakeOK  bool
	msgSent      int64
	msgRecv      int64
	endedCleanly bool
	matchLatency time.Duration
}

// syntheticSDP is a minimal stand-in for a real WebRTC session description.
// The server treats signaling payloads as opaque bytes, so any JSON works.
const syntheticSDP = `{"type":"offer","sdp":"v=0\r\no=- 0 0 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}`

// runCall implements the full call lifecycle load test. Each simulated
// participant pair goes through the complete flow: connect -> join ->
// matched -> offer/answer handshake -> ICE and chat exchange -> rate.
// This test measures end-to-end latency and relay throughput for the entire
// call experience.
func runCall(args []string) {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of participant pairs for full call lifecycle")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	callDuration := fs.Duration("call-duration", 30*time.Second, "How long each pair stays in the call")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between relayed messages per participant")
	msgSize := fs.Int("msg-size", 128, "Size of each chat payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match completion")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Call test: %d pairs (%d clients) to %s (ramp=%s, call=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *ramp, *callDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	pool := newClientPool(totalClients)

	fmt.Println("\n--- Phase 1: Connect all participants ---")
	rampStart := time.Now()
	completed := rampUp(ctx, rampOptions{
		url:         *url,
		total:       totalClients,
		duration:    *ramp,
		concurrency: *concurrency,
		label:       "connect",
	}, collector, pool)

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		pool.size(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !completed {
		fmt.Println("Interrupted — skipping call phases.")
		pool.closeAll()
		scraper.Stop()
		collector.Report()
		return
	}

	// Pairing needs an even count. Drop any odd client out.
	if pool.size()%2 != 0 {
		if extra := pool.dropLast(); extra != nil {
			extra.Close()
		}
	}
	actualPairs := pool.size() / 2

	if actualPairs == 0 {
		fmt.Println("No pairs could be formed — not enough connections.")
		pool.closeAll()
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 + 4 — Match, Call, Rate (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-4: Running %d call pairs ---\n", actualPairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, actualPairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Generate chat payload once (reused by all pairs).
	msgPayload := strings.Repeat("abcdefgh", (*msgSize/8)+1)
	msgPayload = msgPayload[:*msgSize]

	// Progress reporting every 5 seconds.
	callProgressStop := make(chan struct{})
	var callProgressWg sync.WaitGroup
	callProgressWg.Add(1)
	go func() {
		defer callProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [call] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, actualPairs, sent, recv, errs)
			case <-callProgressStop:
				return
			}
		}
	}()

	callStart := time.Now()

	pairedClients := pool.snapshot()

	for i := 0; i < actualPairs; i++ {
		i := i // capture loop variable
		c1 := pairedClients[i*2]
		c2 := pairedClients[i*2+1]

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger join sends by 100ms between pairs so each pair hits an
			// otherwise empty waiting pool and matches with itself.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runCallPair(ctx, c1, c2, *callDuration, *msgInterval, *matchTimeout,
				msgPayload, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(callProgressStop)
	callProgressWg.Wait()

	callElapsed := time.Since(callStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var successfulCalls int
	var handshakes int
	var totalSent, totalRecv int64
	var totalMatchLatency time.Duration
	matchedCount := 0

	for _, r := range results {
		if r.endedCleanly {
			successfulCalls++
		}
		if r.handshakeOK {
			handshakes++
		}
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.matched {
			matchedCount++
			totalMatchLatency += r.matchLatency
		}
	}

	fmt.Printf("\n--- Call Results ---\n")
	fmt.Printf("Successful calls:  %d / %d\n", successfulCalls, actualPairs)
	fmt.Printf("Pairs matched:     %d / %d\n", matchedCount, actualPairs)
	fmt.Printf("Handshakes done:   %d / %d\n", handshakes, actualPairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Call duration:     %s\n", callElapsed.Round(time.Millisecond))
	if matchedCount > 0 {
		avgMatch := totalMatchLatency / time.Duration(matchedCount)
		fmt.Printf("Avg match latency: %s\n", avgMatch.Round(time.Millisecond))
	}
	if callElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/callElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	pool.closeAll()
	scraper.Stop()
	collector.Report()
}

// matchInfo carries what a client learned from its matched message.
type matchInfo struct {
	roomID    string
	initiator bool
}

// runCallPair executes the full call lifecycle for a pair of clients:
// join -> matched -> offer/answer handshake -> ICE + chat exchange -> rate.
// It returns after the call ends or the context is cancelled.
func runCallPair(
	ctx context.Context,
	c1, c2 *client.Client,
	callDuration, msgInterval, matchTimeout time.Duration,
	msgPayload string,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	// --- Phase 2: Matching ---

	c1Matched := make(chan matchInfo, 1)
	c2Matched := make(chan matchInfo, 1)

	// Channels for the offer/answer handshake.
	c1Offer := make(chan struct{}, 1)
	c2Offer := make(chan struct{}, 1)
	c1Answer := make(chan struct{}, 1)
	c2Answer := make(chan struct{}, 1)

	// Channels for chat reception during the call phase.
	c1MsgRecv := make(chan struct{}, 100)
	c2MsgRecv := make(chan struct{}, 100)

	// Channels for teardown notifications.
	c1PartnerLeft := make(chan struct{}, 1)
	c2PartnerLeft := make(chan struct{}, 1)

	onMatched := func(ch chan matchInfo) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var msg struct {
				RoomID      string `json:"room_id"`
				IsInitiator bool   `json:"is_initiator"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.RoomID != "" {
				select {
				case ch <- matchInfo{roomID: msg.RoomID, initiator: msg.IsInitiator}:
				default:
				}
			}
		}
	}
	c1.On(client.TypeMatched, onMatched(c1Matched))
	c2.On(client.TypeMatched, onMatched(c2Matched))

	notify := func(ch chan struct{}) func(json.RawMessage) {
		return func(json.RawMessage) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeSignalOffer, notify(c1Offer))
	c2.On(client.TypeSignalOffer, notify(c2Offer))
	c1.On(client.TypeSignalAnswer, notify(c1Answer))
	c2.On(client.TypeSignalAnswer, notify(c2Answer))
	c1.On(client.TypePartnerLeft, notify(c1PartnerLeft))
	c2.On(client.TypePartnerLeft, notify(c2PartnerLeft))

	countRecv := func(ch chan struct{}) func(json.RawMessage) {
		return func(json.RawMessage) {
			totalMsgRecv.Add(1)
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
	c1.On(client.TypeChat, countRecv(c1MsgRecv))
	c2.On(client.TypeChat, countRecv(c2MsgRecv))

	// Both join matchmaking.
	matchStart := time.Now()

	if err := c1.Join(nil); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Join(nil); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for matched on both clients.
	matchCtx, matchCancel := context.WithTimeout(ctx, matchTimeout)
	defer matchCancel()

	var m1, m2 matchInfo

	select {
	case m1 = <-c1Matched:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}
	select {
	case m2 = <-c2Matched:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	matchLatency := time.Since(matchStart)
	result.matched = true
	result.matchLatency = matchLatency
	collector.AddMsgLatency(matchLatency)

	// --- Phase 3: Offer/answer handshake ---

	// Sort the pair into initiator and responder. With staggered joins the
	// two clients match each other and exactly one is the initiator; if the
	// pool was contended they may be in different rooms, which still works.
	initiator, responder := c1, c2
	initInfo, respInfo := m1, m2
	respOffer, initAnswer := c2Offer, c1Answer
	if m2.initiator {
		initiator, responder = c2, c1
		initInfo, respInfo = m2, m1
		respOffer, initAnswer = c1Offer, c2Answer
	}

	if err := initiator.Send(map[string]interface{}{
		"type":    client.TypeSignalOffer,
		"room_id": initInfo.roomID,
		"payload": json.RawMessage(syntheticSDP),
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case <-respOffer:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	if err := responder.Send(map[string]interface{}{
		"type":    client.TypeSignalAnswer,
		"room_id": respInfo.roomID,
		"payload": json.RawMessage(syntheticSDP),
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	select {
	case <-initAnswer:
	case <-matchCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	result.handshakeOK = true

	// --- Phase 3b: ICE and chat exchange ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	callCtx, callCancel := context.WithTimeout(ctx, callDuration)
	defer callCancel()

	// Each client sends an ICE candidate plus a chat message on its own
	// ticker. Approximate relay latency is the time between a client's last
	// send and its next receive.
	var c1LastSend atomic.Int64 // unix nanoseconds of last send
	var c2LastSend atomic.Int64 // unix nanoseconds of last send

	var callWg sync.WaitGroup
	callWg.Add(2)

	sendLoop := func(c *client.Client, roomID string, lastSend *atomic.Int64) {
		defer callWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-callCtx.Done():
				return
			case <-ticker.C:
				lastSend.Store(time.Now().UnixNano())
				if err := c.Send(map[string]interface{}{
					"type":    client.TypeSignalICE,
					"room_id": roomID,
					"payload": json.RawMessage(`{"candidate":"candidate:0 1 UDP 0 0.0.0.0 0 typ host"}`),
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				if err := c.Send(map[string]string{
					"type":    client.TypeChat,
					"room_id": roomID,
					"text":    msgPayload,
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(2)
				result.msgSent += 2
			}
		}
	}
	go sendLoop(c1, m1.roomID, &c1LastSend)
	go sendLoop(c2, m2.roomID, &c2LastSend)

	// Receive loops recording approximate relay latency.
	callWg.Add(2)
	recvLoop := func(recv chan struct{}, lastSend *atomic.Int64) {
		defer callWg.Done()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-recv:
				result.msgRecv++
				if ts := lastSend.Load(); ts > 0 {
					latency := time.Since(time.Unix(0, ts))
					collector.AddMsgLatency(latency)
				}
			}
		}
	}
	go recvLoop(c1MsgRecv, &c1LastSend)
	go recvLoop(c2MsgRecv, &c2LastSend)

	// Wait for the call duration to expire.
	callWg.Wait()

	// --- Phase 4: Rate (ends the call) ---

	if err := c1.Send(map[string]interface{}{
		"type":    client.TypeRate,
		"room_id": m1.roomID,
		"rating":  true,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for partner_left (with a short timeout). Rating tears the room
	// down for both sides.
	endCtx, endCancel := context.WithTimeout(ctx, 5*time.Second)
	defer endCancel()

	select {
	case <-c2PartnerLeft:
		result.endedCleanly = true
	case <-c1PartnerLeft:
		result.endedCleanly = true
	case <-endCtx.Done():
		errorCount.Add(1)
		collector.AddError()
	}
}
