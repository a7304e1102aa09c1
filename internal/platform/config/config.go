// Package config loads the server configuration from environment variables.
// Channel buffers and pool sizes live here too so the whole tuning surface is in one place.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"
	StoreMemory = "memory"
)

// Keeper model providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds every value the session core and its collaborators consume.
type Config struct {
	Addr   string `env:"KEEPER_ADDR" envDefault:":8080"`
	Store  string `env:"KEEPER_STORE" envDefault:"sqlite"`
	DBPath string `env:"KEEPER_DB_PATH" envDefault:"data/keeper.db"`

	// Session core
	HistoryCount   int           `env:"KEEPER_HISTORY_COUNT" envDefault:"100"`
	MaxFollowups   int           `env:"KEEPER_MAX_FOLLOWUPS" envDefault:"2"`
	ParseRetries   int           `env:"KEEPER_PARSE_RETRIES" envDefault:"3"`
	CheckPolicy    string        `env:"KEEPER_CHECK_POLICY" envDefault:"standard"`
	SkillMax       int           `env:"KEEPER_SKILL_MAX" envDefault:"99"`
	MaxPlayers     int           `env:"KEEPER_MAX_PLAYERS" envDefault:"12"`
	PersistTimeout time.Duration `env:"KEEPER_PERSIST_TIMEOUT" envDefault:"5s"`
	Seed           int64         `env:"KEEPER_SEED" envDefault:"0"`
	Language       string        `env:"KEEPER_LANGUAGE" envDefault:"zh"`

	// Keeper model
	Provider      string        `env:"KEEPER_PROVIDER" envDefault:"openai"`
	APIKey        string        `env:"KEEPER_API_KEY"`
	BaseURL       string        `env:"KEEPER_BASE_URL"`
	Model         string        `env:"KEEPER_MODEL"`
	Temperature   float64       `env:"KEEPER_TEMPERATURE" envDefault:"0.7"`
	KeeperTimeout time.Duration `env:"KEEPER_TIMEOUT" envDefault:"60s"`

	// Buffers
	QueueDepth      int `env:"KEEPER_QUEUE_DEPTH" envDefault:"64"`
	SendBuffer      int `env:"KEEPER_SEND_BUFFER" envDefault:"256"`
	ProjectionCache int `env:"KEEPER_PROJECTION_CACHE" envDefault:"128"`

	LogLevel string `env:"KEEPER_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite, StoreBolt, StoreMemory:
	default:
		return fmt.Errorf("invalid store %q: want sqlite, bolt or memory", c.Store)
	}
	if c.Store != StoreMemory && strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db path is required for store %q", c.Store)
	}
	switch c.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("invalid provider %q: want openai or anthropic", c.Provider)
	}
	if c.HistoryCount < 1 {
		return fmt.Errorf("history count must be at least 1, got %d", c.HistoryCount)
	}
	if c.MaxFollowups < 0 {
		return fmt.Errorf("max followups must be non-negative, got %d", c.MaxFollowups)
	}
	if c.ParseRetries < 0 {
		c.ParseRetries = 0
	}
	if c.SkillMax < 1 || c.SkillMax > 100 {
		return fmt.Errorf("skill max must be within [1,100], got %d", c.SkillMax)
	}
	if c.MaxPlayers < 1 {
		return fmt.Errorf("max players must be positive, got %d", c.MaxPlayers)
	}
	if c.QueueDepth < 1 || c.SendBuffer < 1 || c.ProjectionCache < 1 {
		return fmt.Errorf("queue depth, send buffer and projection cache must be positive")
	}
	return nil
}
