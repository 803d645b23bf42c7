package stats

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// trackedMetrics lists the server metrics the scraper follows, in report
// order. Labelled counters (relayed, ratings) appear as several exposition
// lines and are summed into one value.
var trackedMetrics = []struct {
	name  string
	label string
}{
	{"pairlink_connections_total", "Connections"},
	{"pairlink_participants", "Participants"},
	{"pairlink_waiting_pool_size", "Waiting Pool"},
	{"pairlink_active_rooms", "Active Rooms"},
	{"pairlink_matches_total", "Matches Total"},
	{"pairlink_relayed_total", "Relayed Total"},
	{"pairlink_ratings_total", "Ratings Total"},
}

// snapshot is one scrape of the tracked metrics, keyed by metric name.
type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's Prometheus endpoint during a load test and keeps
// every snapshot for the post-run report.
type Scraper struct {
	url      string
	interval time.Duration
	hc       *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper builds a scraper for the given metrics URL and poll interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		hc:       &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes an immediate snapshot, then keeps polling in the background
// until the context is cancelled or Stop is called. A final snapshot is taken
// on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrape()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrape()
				return
			case <-ticker.C:
				s.scrape()
			}
		}
	}()
}

// Stop halts polling and waits for the background goroutine to exit.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// scrape records one snapshot. Failed fetches are skipped silently; the
// server may simply not be up yet.
func (s *Scraper) scrape() {
	snap, err := s.fetch()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (snapshot, error) {
	resp, err := s.hc.Get(s.url)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()

	snap := snapshot{at: time.Now(), values: make(map[string]float64, len(trackedMetrics))}

	tracked := make(map[string]bool, len(trackedMetrics))
	for _, m := range trackedMetrics {
		tracked[m.name] = true
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, value, ok := parseExpositionLine(line)
		if ok && tracked[name] {
			snap.values[name] += value
		}
	}
	return snap, sc.Err()
}

// parseExpositionLine splits a Prometheus text-format sample into its metric
// name (labels stripped) and value.
func parseExpositionLine(line string) (string, float64, bool) {
	rest := line
	var name string

	if brace := strings.IndexByte(line, '{'); brace != -1 {
		name = line[:brace]
		end := strings.IndexByte(line[brace:], '}')
		if end == -1 {
			return "", 0, false
		}
		rest = line[brace+end+1:]
	} else if sp := strings.IndexByte(line, ' '); sp != -1 {
		name = line[:sp]
		rest = line[sp:]
	} else {
		return "", 0, false
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta, and peak for every tracked metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snaps))
	copy(snaps, s.snaps)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, m := range trackedMetrics {
		peak := first.values[m.name]
		for _, snap := range snaps[1:] {
			if v := snap.values[m.name]; v > peak {
				peak = v
			}
		}
		initial, final := first.values[m.name], last.values[m.name]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			m.label, initial, final, final-initial, peak)
	}
}
