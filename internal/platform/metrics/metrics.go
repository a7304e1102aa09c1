// Package metrics provides observability for the session server.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Collector gathers runtime counters. All fields are updated atomically.
type Collector struct {
	// Pipeline
	Commits            int64
	CommitLatencySum   int64 // nanoseconds
	CommitLatencyMax   int64
	EntriesWritten     int64
	PersistenceErrors  int64
	Diagnostics        int64
	LastCommitUnixNano int64

	// Keeper output
	KeeperTurns     int64
	ParseRetries    int64
	ParseExhausted  int64
	KeeperFollowups int64

	// WebSocket
	WSConnectionsActive int64
	WSMessagesIn        int64
	WSMessagesOut       int64
	WSErrors            int64
	WSDropped           int64

	// LLM
	LLMRequests   int64
	LLMTokensUsed int64
	LLMLatencySum int64
	LLMErrors     int64

	StartTime time.Time
}

var collector = &Collector{StartTime: time.Now()}

// Get returns the global collector.
func Get() *Collector {
	return collector
}

func storeMax(addr *int64, v int64) {
	for {
		cur := atomic.LoadInt64(addr)
		if v <= cur || atomic.CompareAndSwapInt64(addr, cur, v) {
			return
		}
	}
}

// RecordCommit records one pipeline commit and the entries it persisted.
func (c *Collector) RecordCommit(latency time.Duration, entries int, err error) {
	if err != nil {
		atomic.AddInt64(&c.PersistenceErrors, 1)
		return
	}
	atomic.AddInt64(&c.Commits, 1)
	atomic.AddInt64(&c.EntriesWritten, int64(entries))
	atomic.AddInt64(&c.CommitLatencySum, int64(latency))
	storeMax(&c.CommitLatencyMax, int64(latency))
	atomic.StoreInt64(&c.LastCommitUnixNano, time.Now().UnixNano())
}

// RecordDiagnostic counts a rejected action.
func (c *Collector) RecordDiagnostic() {
	atomic.AddInt64(&c.Diagnostics, 1)
}

// RecordKeeperTurn records a finished Keeper turn.
func (c *Collector) RecordKeeperTurn(retries, followups int, exhausted bool) {
	atomic.AddInt64(&c.KeeperTurns, 1)
	atomic.AddInt64(&c.ParseRetries, int64(retries))
	atomic.AddInt64(&c.KeeperFollowups, int64(followups))
	if exhausted {
		atomic.AddInt64(&c.ParseExhausted, 1)
	}
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int64) {
	atomic.AddInt64(&c.WSConnectionsActive, delta)
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		atomic.AddInt64(&c.WSMessagesIn, 1)
	} else {
		atomic.AddInt64(&c.WSMessagesOut, 1)
	}
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	atomic.AddInt64(&c.WSErrors, 1)
}

// RecordWSDrop records a message dropped because a client's buffer was full.
func (c *Collector) RecordWSDrop() {
	atomic.AddInt64(&c.WSDropped, 1)
}

// RecordLLMCall records an LLM API call.
func (c *Collector) RecordLLMCall(tokens int, latency time.Duration, err error) {
	atomic.AddInt64(&c.LLMRequests, 1)
	atomic.AddInt64(&c.LLMTokensUsed, int64(tokens))
	atomic.AddInt64(&c.LLMLatencySum, int64(latency))
	if err != nil {
		atomic.AddInt64(&c.LLMErrors, 1)
	}
}

// Snapshot returns current metrics as a map.
func (c *Collector) Snapshot() map[string]interface{} {
	commits := atomic.LoadInt64(&c.Commits)
	llmRequests := atomic.LoadInt64(&c.LLMRequests)

	var commitAvg, llmAvg float64
	if commits > 0 {
		commitAvg = float64(atomic.LoadInt64(&c.CommitLatencySum)) / float64(commits) / 1e6 // ms
	}
	if llmRequests > 0 {
		llmAvg = float64(atomic.LoadInt64(&c.LLMLatencySum)) / float64(llmRequests) / 1e9 // seconds
	}
	lastCommit := ""
	if ns := atomic.LoadInt64(&c.LastCommitUnixNano); ns > 0 {
		lastCommit = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}

	return map[string]interface{}{
		"uptime_seconds": time.Since(c.StartTime).Seconds(),

		"pipeline": map[string]interface{}{
			"commits":            commits,
			"entries_written":    atomic.LoadInt64(&c.EntriesWritten),
			"avg_commit_ms":      commitAvg,
			"max_commit_ms":      float64(atomic.LoadInt64(&c.CommitLatencyMax)) / 1e6,
			"persistence_errors": atomic.LoadInt64(&c.PersistenceErrors),
			"diagnostics":        atomic.LoadInt64(&c.Diagnostics),
			"last_commit":        lastCommit,
		},

		"keeper": map[string]interface{}{
			"turns":           atomic.LoadInt64(&c.KeeperTurns),
			"parse_retries":   atomic.LoadInt64(&c.ParseRetries),
			"parse_exhausted": atomic.LoadInt64(&c.ParseExhausted),
			"followups":       atomic.LoadInt64(&c.KeeperFollowups),
		},

		"websocket": map[string]interface{}{
			"active_connections": atomic.LoadInt64(&c.WSConnectionsActive),
			"messages_in":        atomic.LoadInt64(&c.WSMessagesIn),
			"messages_out":       atomic.LoadInt64(&c.WSMessagesOut),
			"errors":             atomic.LoadInt64(&c.WSErrors),
			"dropped":            atomic.LoadInt64(&c.WSDropped),
		},

		"llm": map[string]interface{}{
			"requests":        llmRequests,
			"tokens_used":     atomic.LoadInt64(&c.LLMTokensUsed),
			"errors":          atomic.LoadInt64(&c.LLMErrors),
			"avg_latency_sec": llmAvg,
		},
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		_ = json.NewEncoder(w).Encode(collector.Snapshot())
	}
}

type promMetric struct {
	name, help, kind string
	value            *int64
}

// PrometheusHandler returns metrics in Prometheus text format.
func PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		c := collector

		for _, m := range []promMetric{
			{"keeper_commits_total", "Committed pipeline actions", "counter", &c.Commits},
			{"keeper_history_entries_total", "History entries persisted", "counter", &c.EntriesWritten},
			{"keeper_persistence_errors_total", "Failed store commits", "counter", &c.PersistenceErrors},
			{"keeper_diagnostics_total", "Rejected actions", "counter", &c.Diagnostics},
			{"keeper_turns_total", "Keeper turns run", "counter", &c.KeeperTurns},
			{"keeper_parse_retries_total", "Keeper outputs that needed a retry", "counter", &c.ParseRetries},
			{"keeper_parse_exhausted_total", "Keeper turns that ran out of retries", "counter", &c.ParseExhausted},
			{"keeper_ws_connections", "Active WebSocket connections", "gauge", &c.WSConnectionsActive},
			{"keeper_ws_dropped_total", "Messages dropped on full client buffers", "counter", &c.WSDropped},
			{"keeper_llm_requests_total", "LLM API requests", "counter", &c.LLMRequests},
			{"keeper_llm_tokens_total", "Tokens consumed", "counter", &c.LLMTokensUsed},
		} {
			fmt.Fprintf(w, "# HELP %s %s\n", m.name, m.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", m.name, m.kind)
			fmt.Fprintf(w, "%s %d\n\n", m.name, atomic.LoadInt64(m.value))
		}

		fmt.Fprintf(w, "# HELP keeper_commit_latency_max_ms Maximum commit latency\n")
		fmt.Fprintf(w, "# TYPE keeper_commit_latency_max_ms gauge\n")
		fmt.Fprintf(w, "keeper_commit_latency_max_ms %.2f\n\n", float64(atomic.LoadInt64(&c.CommitLatencyMax))/1e6)

		fmt.Fprintf(w, "# HELP keeper_ws_messages_total Total WebSocket messages\n")
		fmt.Fprintf(w, "# TYPE keeper_ws_messages_total counter\n")
		fmt.Fprintf(w, "keeper_ws_messages_total{direction=\"in\"} %d\n", atomic.LoadInt64(&c.WSMessagesIn))
		fmt.Fprintf(w, "keeper_ws_messages_total{direction=\"out\"} %d\n", atomic.LoadInt64(&c.WSMessagesOut))
	}
}
