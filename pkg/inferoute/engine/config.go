package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/castilho/inferoute/pkg/inferoute/media"
)

// Config holds all engine configuration.
type Config struct {
	// API configures the LLM provider endpoint.
	API APIConfig `yaml:"api"`

	// Database is the path to the engine's SQLite database.
	Database DatabaseConfig `yaml:"database"`

	// Media configures local storage for generated assets.
	Media media.StoreConfig `yaml:"media"`

	// Retrieval configures knowledge-base search.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Queue configures the async worker.
	Queue QueueConfig `yaml:"queue"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Models seeds the model catalog at startup.
	Models []ModelConfig `yaml:"models"`

	// Defaults binds capabilities to seeded models by name.
	Defaults map[string]string `yaml:"defaults"`

	// History caps how many prior turns handlers see.
	History HistoryConfig `yaml:"history"`
}

// APIConfig configures the provider endpoint.
type APIConfig struct {
	BaseURL  string `yaml:"base_url"`
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RetrievalConfig configures knowledge-base search parameters.
type RetrievalConfig struct {
	Limit    int     `yaml:"limit"`
	MinScore float64 `yaml:"min_score"`
}

// QueueConfig configures the async worker loop.
type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StuckAfter   time.Duration `yaml:"stuck_after"`
	SweepSpec    string        `yaml:"sweep_spec"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ModelConfig seeds one catalog model.
type ModelConfig struct {
	Name       string   `yaml:"name"`
	Provider   string   `yaml:"provider"`
	Capability string   `yaml:"capability"`
	Quality    int      `yaml:"quality"`
	Rating     int      `yaml:"rating"`
	Selectable *bool    `yaml:"selectable"`
	Features   []string `yaml:"features"`
}

// HistoryConfig caps conversation context.
type HistoryConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Database:  DatabaseConfig{Path: "./data/inferoute.db"},
		Media:     media.DefaultStoreConfig(),
		Retrieval: RetrievalConfig{Limit: 5, MinScore: 0.05},
		Queue: QueueConfig{
			PollInterval: 2 * time.Second,
			StuckAfter:   5 * time.Minute,
			SweepSpec:    "@every 1m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		History: HistoryConfig{MaxTurns: 20},
	}
}

// LoadConfig reads the YAML config, layering it over defaults. A missing
// file is not an error. A .env alongside the config is loaded first so
// ${VAR} expansion in the YAML sees it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config back to disk.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SetupLogger builds the process logger from config.
func SetupLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
