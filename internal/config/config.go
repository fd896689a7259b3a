// Package config loads the server configuration: YAML file first,
// environment overrides second, code defaults underneath.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skylens/llmgate/internal/budget"
	"github.com/skylens/llmgate/internal/modelmeta"
	"github.com/skylens/llmgate/internal/queue"
	"github.com/skylens/llmgate/internal/router"
	"github.com/skylens/llmgate/pkg/types"
)

type Server struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	BodyLimitMB  int           `yaml:"body_limit_mb"`
	CORSOrigins  string        `yaml:"cors_origins"`
}

// Storage selects the durable queue backend. "none" runs memory-only:
// requests survive nothing, but the server still works.
type Storage struct {
	Backend string `yaml:"backend"` // sqlite | pebble | none
	Path    string `yaml:"path"`
	Batch   bool   `yaml:"batch"` // pebble only: batched async writes
}

// Redis, when addressed, backs the model-metadata cache. Credentials are
// always cached in process memory regardless of this setting.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Logging struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type Billing struct {
	Enabled       bool               `yaml:"enabled"`
	Markup        float64            `yaml:"markup"`
	LowBalanceUSD float64            `yaml:"low_balance_usd"`
	Balances      map[string]float64 `yaml:"balances"` // project id → USD
}

// Keys holds static credentials; system keys also fall back to
// {PROVIDER}_API_KEY environment variables at resolve time.
type Keys struct {
	System  map[string]string            `yaml:"system"`  // provider → key
	Project map[string]map[string]string `yaml:"project"` // project → provider → key
}

type Config struct {
	Server  Server                        `yaml:"server"`
	Storage Storage                       `yaml:"storage"`
	Redis   Redis                         `yaml:"redis"`
	Logging Logging                       `yaml:"logging"`
	Queue   queue.Config                  `yaml:"queue"`
	Router  router.Config                 `yaml:"router"`
	Budget  budget.Policy                 `yaml:"budget"`
	Models  map[string]modelmeta.Override `yaml:"models"` // "provider/model" → override
	Billing Billing                       `yaml:"billing"`
	Keys    Keys                          `yaml:"keys"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Port:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			BodyLimitMB:  10,
			CORSOrigins:  "*",
		},
		Storage: Storage{
			Backend: "sqlite",
			Path:    "./data/llmgate.db",
		},
		Logging: Logging{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Queue:  queue.DefaultConfig(),
		Budget: budget.DefaultPolicy(),
		Router: router.Config{
			Mode: router.ModeFailover,
			Tasks: map[types.TaskType]router.TaskPolicy{
				types.TaskChat:       {Providers: []string{"openai"}},
				types.TaskEmbeddings: {Providers: []string{"openai"}},
			},
			Providers: map[string]router.ProviderConfig{
				"openai": {
					BaseURL:      "https://api.openai.com/v1",
					Capabilities: router.Capabilities{Text: true, Vision: true, Embeddings: true},
					DefaultModels: map[types.Operation]string{
						types.OpText:       "gpt-4o-mini",
						types.OpVision:     "gpt-4o-mini",
						types.OpEmbeddings: "text-embedding-3-small",
					},
				},
			},
		},
		Billing: Billing{
			Markup:        0.2,
			LowBalanceUSD: 1,
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if !strings.HasPrefix(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Storage.Backend = getEnv("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
