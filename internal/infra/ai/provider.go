// Package ai provides the LLM integration layer for the Keeper.
// Provider is backend-agnostic so an OpenAI-compatible endpoint, Anthropic
// or a scripted test double can sit behind it.
package ai

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotConfigured is returned when a provider has no credentials.
var ErrNotConfigured = errors.New("llm provider not configured")

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest is the input for LLM inference.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Model       string    `json:"model,omitempty"` // Override default model
}

// CompletionResponse is the output from LLM inference.
type CompletionResponse struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	PromptTokens int           `json:"prompt_tokens"`
	OutputTokens int           `json:"output_tokens"`
	TotalTokens  int           `json:"total_tokens"`
	Latency      time.Duration `json:"latency"`
	FinishReason string        `json:"finish_reason"`
}

// UsageStats tracks API usage for monitoring.
type UsageStats struct {
	TotalRequests int       `json:"total_requests"`
	TotalTokens   int       `json:"total_tokens"`
	Failures      int       `json:"failures"`
	LastReset     time.Time `json:"last_reset"`
}

// Provider is the agnostic interface for LLM backends.
// The Keeper turn driver uses it without knowing which backend is behind it.
type Provider interface {
	// Complete sends a prompt and returns the LLM response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// UsageStats returns current API usage.
	UsageStats() UsageStats

	// Name returns the provider name (for logging).
	Name() string

	// IsAvailable checks if the provider is configured.
	IsAvailable() bool
}

// Options configures an HTTP-backed provider.
type Options struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// usage is the mutex-guarded counter set shared by the adapters.
type usage struct {
	mu    sync.Mutex
	stats UsageStats
}

func (u *usage) record(tokens int, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats.TotalRequests++
	if err != nil {
		u.stats.Failures++
		return
	}
	u.stats.TotalTokens += tokens
}

func (u *usage) snapshot() UsageStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// Reset clears the usage counters.
func (u *usage) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stats = UsageStats{LastReset: time.Now()}
}
