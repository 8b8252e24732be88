package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

const (
	DefaultAddress       = ":8787"
	DefaultModel         = "gemini-2.5-flash"
	DefaultProvider      = "gemini"
	DefaultOrigin        = "http://localhost:5173"
	DefaultStreamTimeout = 120
	DefaultRelayURL      = "http://localhost:8787"
)

// Config represents runtime configuration for the relay and the chat client.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Provider     ProviderConfig     `json:"provider"`
	Database     DatabaseConfig     `json:"database"`
	Redis        RedisConfig        `json:"redis"`
	Worker       WorkerConfig       `json:"worker"`
	ContextCache ContextCacheConfig `json:"context_cache"`
	Client       ClientConfig       `json:"client"`
}

type ServerConfig struct {
	Address              string   `json:"address" env:"SUPPORTCHAT_ADDR"`
	AllowedOrigins       []string `json:"allowed_origins" env:"CORS_ORIGIN" envSeparator:","`
	StreamTimeoutSeconds int      `json:"stream_timeout_seconds" env:"SUPPORTCHAT_STREAM_TIMEOUT"`
}

type ProviderConfig struct {
	Name    string `json:"name" env:"LLM_PROVIDER"`
	BaseURL string `json:"base_url" env:"LLM_BASE_URL"`
	Model   string `json:"model" env:"LLM_MODEL"`
	// Models lists extra model names a request may select. Anything else
	// falls back to Model.
	Models []string `json:"models" env:"LLM_MODELS" envSeparator:","`
	APIKey  string `json:"api_key" env:"GEMINI_API_KEY"`
}

// DatabaseConfig selects the durable store. An empty DSN disables persistence.
type DatabaseConfig struct {
	Driver string `json:"driver" env:"SUPPORTCHAT_DB"`
	DSN    string `json:"dsn" env:"DATABASE_URL"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"REDIS_ENABLED"`
	Host     string `json:"host" env:"REDIS_HOST"`
	Port     int    `json:"port" env:"REDIS_PORT"`
	Username string `json:"username" env:"REDIS_USERNAME"`
	Password string `json:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" env:"REDIS_DB"`
}

type WorkerConfig struct {
	MinWorkers         int `json:"min_workers" env:"WORKER_MIN"`
	MaxWorkers         int `json:"max_workers" env:"WORKER_MAX"`
	QueueSize          int `json:"queue_size" env:"WORKER_QUEUE"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" env:"WORKER_IDLE_SECONDS"`
}

// ContextCacheConfig bounds the per-chat provider context cache. MaxSessions
// of zero keeps the relay stateless.
type ContextCacheConfig struct {
	MaxSessions int `json:"max_sessions" env:"CONTEXT_CACHE_MAX"`
	IdleMinutes int `json:"idle_minutes" env:"CONTEXT_CACHE_IDLE_MINUTES"`
}

type ClientConfig struct {
	UseRemote  bool   `json:"use_remote" env:"USE_REMOTE_API"`
	BaseURL    string `json:"base_url" env:"API_BASE_URL"`
	StorageDir string `json:"storage_dir" env:"CHAT_STORAGE_DIR"`
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies .env and environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if cfg.Database.DSN != "" && isSQLite(cfg.Database.Driver) && !isURIOrMemory(cfg.Database.DSN) && !filepath.IsAbs(cfg.Database.DSN) {
			cfg.Database.DSN = filepath.Join(filepath.Dir(absPath), cfg.Database.DSN)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	// .env never overrides variables already set in the process
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = DefaultAddress
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{DefaultOrigin}
	}
	if c.Server.StreamTimeoutSeconds <= 0 {
		c.Server.StreamTimeoutSeconds = DefaultStreamTimeout
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProvider
	}
	if c.Provider.Model == "" {
		c.Provider.Model = DefaultModel
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Worker.MinWorkers <= 0 {
		c.Worker.MinWorkers = 1
	}
	if c.Worker.MaxWorkers < c.Worker.MinWorkers {
		c.Worker.MaxWorkers = c.Worker.MinWorkers * 4
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 128
	}
	if c.Client.BaseURL == "" {
		c.Client.BaseURL = DefaultRelayURL
	}
	if c.Client.StorageDir == "" {
		c.Client.StorageDir = "./data/chats"
	}
	for i, origin := range c.Server.AllowedOrigins {
		c.Server.AllowedOrigins[i] = strings.TrimSpace(origin)
	}
}

// PersistenceEnabled reports whether a durable store is configured.
func (c *Config) PersistenceEnabled() bool {
	return strings.TrimSpace(c.Database.DSN) != ""
}

func isSQLite(driver string) bool {
	d := strings.ToLower(driver)
	return d == "" || d == "sqlite" || d == "sqlite3"
}

func isURIOrMemory(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}
