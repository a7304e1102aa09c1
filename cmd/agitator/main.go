// Package main - agitator
// Load generator for a running keeper-server. Each client creates an
// investigator, joins over WebSocket and spams player actions while
// checking that history sequence numbers only move forward.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config for the agitator
type Config struct {
	ServerURL      string
	NumClients     int
	ActionInterval time.Duration
	TestDuration   time.Duration
	Observers      int
}

// Stats tracks performance metrics
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
	OutOfOrder       int64
	Latencies        []time.Duration
	mu               sync.Mutex
}

var actionTexts = []string{
	"I search the bookshelf for anything unusual.",
	"I listen at the cellar door.",
	"I light a match and look around.",
	"I read the diary by candlelight.",
	"I try to calm the others down.",
	"I check the window latch.",
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	serverURL := flag.String("url", "http://localhost:8080", "keeper-server base URL")
	numClients := flag.Int("clients", 8, "Number of concurrent players")
	observers := flag.Int("observers", 4, "Number of read-only host connections")
	interval := flag.Duration("interval", 2*time.Second, "Action interval per client")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	flag.Parse()

	config := Config{
		ServerURL:      strings.TrimRight(*serverURL, "/"),
		NumClients:     *numClients,
		ActionInterval: *interval,
		TestDuration:   *duration,
		Observers:      *observers,
	}

	fmt.Println("=========================================")
	fmt.Println("AGITATOR - keeper-server load test")
	fmt.Println("=========================================")
	fmt.Printf("Server: %s\n", config.ServerURL)
	fmt.Printf("Clients: %d (+%d observers)\n", config.NumClients, config.Observers)
	fmt.Printf("Interval: %v\n", config.ActionInterval)
	fmt.Printf("Duration: %v\n", config.TestDuration)
	fmt.Println("=========================================")

	ctx, cancel := context.WithTimeout(context.Background(), config.TestDuration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		fmt.Println("\nInterrupt received, stopping...")
		cancel()
	}()

	stats := runStressTest(ctx, config)
	printResults(stats, config)
}

func runStressTest(ctx context.Context, config Config) *Stats {
	stats := &Stats{
		Latencies: make([]time.Duration, 0, 10000),
	}

	var wg sync.WaitGroup

	fmt.Println("\nStarting clients...")

	for i := 0; i < config.Observers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runObserver(ctx, config, stats)
		}()
	}
	for i := 0; i < config.NumClients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			runClient(ctx, clientID, config, stats)
		}(i)

		// Stagger client starts to avoid thundering herd
		time.Sleep(10 * time.Millisecond)
	}

	fmt.Printf("All %d clients started\n\n", config.NumClients)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Printf("Progress: Sent=%d Recv=%d Errors=%d OutOfOrder=%d\n",
					atomic.LoadInt64(&stats.MessagesSent),
					atomic.LoadInt64(&stats.MessagesReceived),
					atomic.LoadInt64(&stats.Errors),
					atomic.LoadInt64(&stats.OutOfOrder))
			}
		}
	}()

	wg.Wait()
	return stats
}

func createPlayer(ctx context.Context, config Config, playerID string) error {
	body, _ := json.Marshal(map[string]string{
		"player_id": playerID,
		"name":      "Agitator " + playerID,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.ServerURL+"/api/players", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 409 means the investigator survived an earlier run.
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("create player: status %d", resp.StatusCode)
	}
	return nil
}

func dial(ctx context.Context, config Config, join map[string]string) (*websocket.Conn, error) {
	u, err := url.Parse(config.ServerURL + "/ws")
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(join)
	if err := conn.WriteJSON(frame{Type: "client.join", Payload: payload}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// receive counts frames and flags history entries that do not advance the
// sequence. A session_state frame restarts the count.
func receive(conn *websocket.Conn, stats *Stats) {
	var last uint64
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		atomic.AddInt64(&stats.MessagesReceived, 1)
		switch f.Type {
		case "server.session_state":
			last = 0
		case "server.history_append":
			var p struct {
				Entry struct {
					Seq uint64 `json:"seq"`
				} `json:"entry"`
			}
			if json.Unmarshal(f.Payload, &p) == nil {
				if p.Entry.Seq <= last {
					atomic.AddInt64(&stats.OutOfOrder, 1)
				}
				last = p.Entry.Seq
			}
		case "server.error":
			atomic.AddInt64(&stats.Errors, 1)
		}
	}
}

func runObserver(ctx context.Context, config Config, stats *Stats) {
	conn, err := dial(ctx, config, map[string]string{"role": "host"})
	if err != nil {
		log.Printf("Observer: connection failed: %v", err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	receive(conn, stats)
}

func runClient(ctx context.Context, clientID int, config Config, stats *Stats) {
	playerID := fmt.Sprintf("agitator-%03d", clientID)

	if err := createPlayer(ctx, config, playerID); err != nil {
		log.Printf("Client %d: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}

	conn, err := dial(ctx, config, map[string]string{"player_id": playerID, "role": "player"})
	if err != nil {
		log.Printf("Client %d: connection failed: %v", clientID, err)
		atomic.AddInt64(&stats.Errors, 1)
		return
	}
	defer conn.Close()

	go receive(conn, stats)

	ticker := time.NewTicker(config.ActionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			text := actionTexts[rand.Intn(len(actionTexts))]
			payload, _ := json.Marshal(map[string]any{
				"action_text": map[string]string{"zh": text, "en": text},
			})
			start := time.Now()

			if err := conn.WriteJSON(frame{Type: "client.player_action", Payload: payload}); err != nil {
				atomic.AddInt64(&stats.Errors, 1)
				return
			}

			latency := time.Since(start)
			atomic.AddInt64(&stats.MessagesSent, 1)

			stats.mu.Lock()
			stats.Latencies = append(stats.Latencies, latency)
			stats.mu.Unlock()
		}
	}
}

func printResults(stats *Stats, config Config) {
	fmt.Println("\n=========================================")
	fmt.Println("STRESS TEST RESULTS")
	fmt.Println("=========================================")

	sent := atomic.LoadInt64(&stats.MessagesSent)
	recv := atomic.LoadInt64(&stats.MessagesReceived)
	errs := atomic.LoadInt64(&stats.Errors)
	disorder := atomic.LoadInt64(&stats.OutOfOrder)

	fmt.Printf("Messages Sent:     %d\n", sent)
	fmt.Printf("Messages Received: %d\n", recv)
	fmt.Printf("Errors:            %d\n", errs)
	fmt.Printf("Out of order:      %d\n", disorder)
	fmt.Printf("Error Rate:        %.2f%%\n", float64(errs)/float64(sent+1)*100)

	throughput := float64(sent) / config.TestDuration.Seconds()
	fmt.Printf("Throughput:        %.2f msg/sec\n", throughput)

	if len(stats.Latencies) > 0 {
		var total time.Duration
		lo, hi := stats.Latencies[0], stats.Latencies[0]
		for _, l := range stats.Latencies {
			total += l
			lo = min(lo, l)
			hi = max(hi, l)
		}
		avg := total / time.Duration(len(stats.Latencies))

		fmt.Printf("\nWrite latency:\n")
		fmt.Printf("  Min: %v\n", lo)
		fmt.Printf("  Avg: %v\n", avg)
		fmt.Printf("  Max: %v\n", hi)
	}

	fmt.Println("\n-----------------------------------------")
	switch {
	case disorder > 0:
		fmt.Println("TEST FAILED: history arrived out of order")
	case errs == 0:
		fmt.Println("TEST PASSED: System handled the load")
	case float64(errs)/float64(sent+1) < 0.05:
		fmt.Println("TEST WARNING: Some errors detected")
	default:
		fmt.Println("TEST FAILED: High error rate")
	}
	fmt.Println("=========================================")

	results := map[string]interface{}{
		"messages_sent":      sent,
		"messages_received":  recv,
		"errors":             errs,
		"out_of_order":       disorder,
		"throughput_per_sec": throughput,
		"config": map[string]interface{}{
			"clients":   config.NumClients,
			"observers": config.Observers,
			"interval":  config.ActionInterval.String(),
			"duration":  config.TestDuration.String(),
		},
	}

	jsonData, _ := json.MarshalIndent(results, "", "  ")
	_ = os.WriteFile("stress_test_results.json", jsonData, 0644)
	fmt.Println("\nResults saved to stress_test_results.json")
}
