// Package main implements a standalone end-to-end integration test for the
// pairlink signaling server. It validates the full participant journey against
// a running server: health checks, WebSocket connect, matchmaking, signaling
// relay, chat relay, rating, and the REST end-call endpoint.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pairlink/signald/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Pairlink E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2JoinWaiting(ctx, *wsURL))

	// Scenarios 3-5 share a matched pair; run them as a group.
	s3, s4, s5 := scenario345MatchSignalRate(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6RESTEndCall(ctx, *wsURL, *apiBase))
	results = append(results, scenario7DisconnectCascade(ctx, *wsURL, *apiBase))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /api/health — expect JSON with status and counts.
	body, err := httpGetBody(ctx, apiBase+"/api/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/health: %v", err)}
	}
	var health struct {
		Status  string `json:"status"`
		Users   int    `json:"users"`
		Rooms   int    `json:"rooms"`
		Waiting int    `json:"waitingUsers"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/api/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("status=%q", health.Status)}
	}

	// 1b. /metrics — expect Prometheus text with pairlink_connections_total.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "pairlink_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing pairlink_connections_total"}
	}

	return scenarioResult{name, resultPass,
		fmt.Sprintf("users=%d rooms=%d waiting=%d", health.Users, health.Rooms, health.Waiting)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Join and enter the waiting pool
// ---------------------------------------------------------------------------

func scenario2JoinWaiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Join and Wait"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	waiting := make(chan struct{}, 1)
	c.On(client.TypeWaiting, func(json.RawMessage) {
		select {
		case waiting <- struct{}{}:
		default:
		}
	})

	// An interest tag no other client uses keeps this participant unmatched.
	if err := c.Join([]string{"e2e-solo-waiter"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("join: %v", err)}
	}
	if err := c.WaitForID(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("assigned_id: %v", err)}
	}

	select {
	case <-waiting:
	case <-connCtx.Done():
		return scenarioResult{name, resultFail, "no waiting message received"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("id=%s", shortID(c.ParticipantID()))}
}

// ---------------------------------------------------------------------------
// Scenarios 3-5: Match, Signal Relay, Rate
// ---------------------------------------------------------------------------

func scenario345MatchSignalRate(ctx context.Context, wsURL string) (scenarioResult, scenarioResult, scenarioResult) {
	n3 := "Scenario 3: Interest Matching"
	n4 := "Scenario 4: Signaling and Chat Relay"
	n5 := "Scenario 5: Rating Ends the Call"

	fail := func(name, detail string) scenarioResult { return scenarioResult{name, resultFail, detail} }
	skip4 := fail(n4, "skipped: matching failed")
	skip5 := fail(n5, "skipped: matching failed")

	connCtx, connCancel := context.WithTimeout(ctx, 20*time.Second)
	defer connCancel()

	a, err := client.New(connCtx, wsURL)
	if err != nil {
		return fail(n3, fmt.Sprintf("client A connect: %v", err)), skip4, skip5
	}
	defer a.Close()
	b, err := client.New(connCtx, wsURL)
	if err != nil {
		return fail(n3, fmt.Sprintf("client B connect: %v", err)), skip4, skip5
	}
	defer b.Close()

	type matched struct {
		RoomID          string   `json:"room_id"`
		IsInitiator     bool     `json:"is_initiator"`
		CommonInterests []string `json:"common_interests"`
	}
	aMatched := make(chan matched, 1)
	bMatched := make(chan matched, 1)
	onMatched := func(ch chan matched) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var m matched
			if err := json.Unmarshal(raw, &m); err == nil {
				select {
				case ch <- m:
				default:
				}
			}
		}
	}
	a.On(client.TypeMatched, onMatched(aMatched))
	b.On(client.TypeMatched, onMatched(bMatched))

	// --- Scenario 3 ---

	if err := a.Join([]string{"e2e-music", "e2e-film"}); err != nil {
		return fail(n3, fmt.Sprintf("A join: %v", err)), skip4, skip5
	}
	time.Sleep(200 * time.Millisecond)
	if err := b.Join([]string{"e2e-music", "e2e-film", "e2e-books"}); err != nil {
		return fail(n3, fmt.Sprintf("B join: %v", err)), skip4, skip5
	}

	var ma, mb matched
	select {
	case ma = <-aMatched:
	case <-connCtx.Done():
		return fail(n3, "A never matched"), skip4, skip5
	}
	select {
	case mb = <-bMatched:
	case <-connCtx.Done():
		return fail(n3, "B never matched"), skip4, skip5
	}

	s3 := scenarioResult{n3, resultPass, fmt.Sprintf("common=%v", ma.CommonInterests)}
	if ma.RoomID != mb.RoomID {
		s3 = fail(n3, "room_id mismatch between the two sides")
	} else if ma.IsInitiator == mb.IsInitiator {
		s3 = fail(n3, "both or neither side is the initiator")
	} else if len(ma.CommonInterests) < 2 {
		s3 = fail(n3, fmt.Sprintf("expected 2 common interests, got %v", ma.CommonInterests))
	}
	if s3.kind == resultFail {
		return s3, skip4, skip5
	}

	// --- Scenario 4 ---

	initiator, responder := a, b
	if mb.IsInitiator {
		initiator, responder = b, a
	}

	offerPayload := `{"type":"offer","sdp":"v=0\r\ne2e-test-sdp","n":9007199254740993}`
	gotOffer := make(chan []byte, 1)
	responder.On(client.TypeSignalOffer, func(raw json.RawMessage) {
		select {
		case gotOffer <- []byte(raw):
		default:
		}
	})
	gotChat := make(chan string, 1)
	responder.On(client.TypeChat, func(raw json.RawMessage) {
		var m struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &m); err == nil {
			select {
			case gotChat <- m.Text:
			default:
			}
		}
	})

	if err := initiator.Send(map[string]interface{}{
		"type":    client.TypeSignalOffer,
		"room_id": ma.RoomID,
		"payload": json.RawMessage(offerPayload),
	}); err != nil {
		return s3, fail(n4, fmt.Sprintf("send offer: %v", err)), skip5
	}
	if err := initiator.Send(map[string]string{
		"type":    client.TypeChat,
		"room_id": ma.RoomID,
		"text":    "hello from e2e",
	}); err != nil {
		return s3, fail(n4, fmt.Sprintf("send chat: %v", err)), skip5
	}

	s4 := scenarioResult{n4, resultPass, ""}
	select {
	case frame := <-gotOffer:
		// The relay must carry the payload bytes through untouched; the large
		// integer in the payload would not survive a float64 round-trip.
		if !bytes.Contains(frame, []byte(offerPayload)) {
			s4 = fail(n4, "offer payload was not relayed verbatim")
		}
	case <-connCtx.Done():
		s4 = fail(n4, "offer never relayed")
	}
	if s4.kind == resultPass {
		select {
		case text := <-gotChat:
			if text != "hello from e2e" {
				s4 = fail(n4, fmt.Sprintf("chat text mangled: %q", text))
			}
		case <-connCtx.Done():
			s4 = fail(n4, "chat never relayed")
		}
	}

	// --- Scenario 5 ---

	gotRated := make(chan bool, 1)
	responder.On(client.TypeRated, func(raw json.RawMessage) {
		var m struct {
			Rating bool `json:"rating"`
		}
		if err := json.Unmarshal(raw, &m); err == nil {
			select {
			case gotRated <- m.Rating:
			default:
			}
		}
	})
	gotLeft := make(chan struct{}, 1)
	responder.On(client.TypePartnerLeft, func(json.RawMessage) {
		select {
		case gotLeft <- struct{}{}:
		default:
		}
	})

	if err := initiator.Send(map[string]interface{}{
		"type":    client.TypeRate,
		"room_id": ma.RoomID,
		"rating":  true,
	}); err != nil {
		return s3, s4, fail(n5, fmt.Sprintf("send rate: %v", err))
	}

	s5 := scenarioResult{n5, resultPass, "rating delivered, call ended"}
	select {
	case v := <-gotRated:
		if !v {
			s5 = fail(n5, "rating value flipped in transit")
		}
	case <-connCtx.Done():
		return s3, s4, fail(n5, "rated never delivered")
	}
	select {
	case <-gotLeft:
	case <-connCtx.Done():
		s5 = fail(n5, "partner_left never delivered after rating")
	}

	return s3, s4, s5
}

// ---------------------------------------------------------------------------
// Scenario 6: REST end-call
// ---------------------------------------------------------------------------

func scenario6RESTEndCall(ctx context.Context, wsURL, apiBase string) scenarioResult {
	name := "Scenario 6: REST End-Call"

	connCtx, connCancel := context.WithTimeout(ctx, 20*time.Second)
	defer connCancel()

	a, b, roomID, err := matchedPair(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer a.Close()
	defer b.Close()

	gotLeft := make(chan struct{}, 1)
	b.On(client.TypePartnerLeft, func(json.RawMessage) {
		select {
		case gotLeft <- struct{}{}:
		default:
		}
	})

	// 6a. Valid end-call — expect 200 and a partner_left for the other side.
	status, err := postEndCall(connCtx, apiBase, roomID, a.ParticipantID())
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("end-call request: %v", err)}
	}
	if status != http.StatusOK {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected 200, got %d", status)}
	}
	select {
	case <-gotLeft:
	case <-connCtx.Done():
		return scenarioResult{name, resultFail, "partner_left never delivered after end-call"}
	}

	// 6b. Repeating the call must 404 — the room is gone.
	status, err = postEndCall(connCtx, apiBase, roomID, a.ParticipantID())
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("repeat end-call request: %v", err)}
	}
	if status != http.StatusNotFound {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected 404 on repeat, got %d", status)}
	}

	// 6c. Missing fields must 400.
	status, err = postEndCall(connCtx, apiBase, "", "")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("empty end-call request: %v", err)}
	}
	if status != http.StatusBadRequest {
		return scenarioResult{name, resultFail, fmt.Sprintf("expected 400 for empty fields, got %d", status)}
	}

	return scenarioResult{name, resultPass, "200 then 404 then 400"}
}

// ---------------------------------------------------------------------------
// Scenario 7: Disconnect cascade
// ---------------------------------------------------------------------------

func scenario7DisconnectCascade(ctx context.Context, wsURL, apiBase string) scenarioResult {
	name := "Scenario 7: Disconnect Cascade"

	connCtx, connCancel := context.WithTimeout(ctx, 20*time.Second)
	defer connCancel()

	a, b, roomID, err := matchedPair(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer b.Close()

	gotLeft := make(chan struct{}, 1)
	b.On(client.TypePartnerLeft, func(json.RawMessage) {
		select {
		case gotLeft <- struct{}{}:
		default:
		}
	})

	// Drop A's connection; B must be notified and the room must be gone.
	bID := b.ParticipantID()
	a.Close()

	select {
	case <-gotLeft:
	case <-connCtx.Done():
		return scenarioResult{name, resultFail, "partner_left never delivered after disconnect"}
	}

	status, err := postEndCall(connCtx, apiBase, roomID, bID)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("end-call probe: %v", err)}
	}
	if status != http.StatusNotFound {
		return scenarioResult{name, resultFail, fmt.Sprintf("room survived disconnect: status %d", status)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// matchedPair connects two clients with a shared throwaway interest and
// returns them once both sides received matched for the same room.
func matchedPair(ctx context.Context, wsURL string) (*client.Client, *client.Client, string, error) {
	a, err := client.New(ctx, wsURL)
	if err != nil {
		return nil, nil, "", fmt.Errorf("client A connect: %w", err)
	}
	b, err := client.New(ctx, wsURL)
	if err != nil {
		a.Close()
		return nil, nil, "", fmt.Errorf("client B connect: %w", err)
	}

	tag := fmt.Sprintf("e2e-pair-%d", time.Now().UnixNano())
	aMatched := make(chan string, 1)
	bMatched := make(chan string, 1)
	onMatched := func(ch chan string) func(json.RawMessage) {
		return func(raw json.RawMessage) {
			var m struct {
				RoomID string `json:"room_id"`
			}
			if err := json.Unmarshal(raw, &m); err == nil && m.RoomID != "" {
				select {
				case ch <- m.RoomID:
				default:
				}
			}
		}
	}
	a.On(client.TypeMatched, onMatched(aMatched))
	b.On(client.TypeMatched, onMatched(bMatched))

	if err := a.Join([]string{tag, tag + "-x"}); err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("A join: %w", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := b.Join([]string{tag, tag + "-x"}); err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("B join: %w", err)
	}

	var roomA, roomB string
	select {
	case roomA = <-aMatched:
	case <-ctx.Done():
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("A never matched")
	}
	select {
	case roomB = <-bMatched:
	case <-ctx.Done():
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("B never matched")
	}
	if roomA != roomB {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("pair split across rooms %s / %s", roomA, roomB)
	}

	return a, b, roomA, nil
}

// postEndCall sends the end-call request and returns the HTTP status code.
func postEndCall(ctx context.Context, apiBase, roomID, participantID string) (int, error) {
	body, _ := json.Marshal(map[string]string{
		"roomId": roomID,
		"userId": participantID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/api/end-call", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// httpGetBody performs a GET request and returns the response body, requiring
// a 200 status.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
