// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the cascaded daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/cascade/internal/tracing"
)

// Config is the daemon configuration, loaded from a YAML file with
// environment overrides for secrets.
type Config struct {
	// Listen is the address the HTTP API binds to.
	Listen string `yaml:"listen"`

	// WorkflowsDir holds workflow definition files (*.json).
	WorkflowsDir string `yaml:"workflows_dir"`

	// WatchWorkflows reloads workflow definitions on file changes.
	WatchWorkflows bool `yaml:"watch_workflows"`

	// MaxConcurrentRuns bounds runs executing at once.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// QueueCapacity bounds queued submissions awaiting a worker.
	QueueCapacity int `yaml:"queue_capacity"`

	// DrainTimeout is how long shutdown waits for active runs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// ResumePollInterval is how often expired suspensions are scanned.
	ResumePollInterval time.Duration `yaml:"resume_poll_interval"`

	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Budget    BudgetConfig    `yaml:"budget"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Schedules SchedulesConfig `yaml:"schedules"`
	Tracing   tracing.Config  `yaml:"tracing"`
}

// StoreConfig selects the state store backend.
type StoreConfig struct {
	// Type is memory, sqlite, or postgres.
	Type string `yaml:"type"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LLMConfig configures the LLM provider for llm nodes.
type LLMConfig struct {
	// Provider is the provider name; only "openai" is supported.
	Provider string `yaml:"provider"`

	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BudgetConfig caps LLM spend. Zero values mean unlimited.
type BudgetConfig struct {
	PerRunUSD  float64 `yaml:"per_run_usd"`
	PerNodeUSD float64 `yaml:"per_node_usd"`
}

// WebhookConfig governs the public wait-resume endpoint.
type WebhookConfig struct {
	// RequestsPerSecond limits resume attempts per client IP.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the token bucket capacity per client.
	Burst int `yaml:"burst"`
}

// ApprovalConfig governs approval resume tokens.
type ApprovalConfig struct {
	// SigningSecret signs approval JWTs. Falls back to
	// CASCADE_APPROVAL_SECRET when empty.
	SigningSecret string `yaml:"signing_secret"`

	// TokenTTL bounds how long an issued approval link stays valid.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ScheduleConfig defines one cron-triggered workflow.
type ScheduleConfig struct {
	Name     string         `yaml:"name"`
	Cron     string         `yaml:"cron"`
	Workflow string         `yaml:"workflow"`
	Inputs   map[string]any `yaml:"inputs,omitempty"`
	Enabled  bool           `yaml:"enabled"`
	Timezone string         `yaml:"timezone,omitempty"`
}

// SchedulesConfig enables the cron scheduler.
type SchedulesConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

// Default returns the daemon defaults used when no file is given.
func Default() *Config {
	cfg := &Config{
		Listen:             "127.0.0.1:7433",
		WorkflowsDir:       "workflows",
		WatchWorkflows:     true,
		MaxConcurrentRuns:  8,
		QueueCapacity:      256,
		DrainTimeout:       30 * time.Second,
		ResumePollInterval: 5 * time.Second,
		Store:              StoreConfig{Type: "memory"},
		LLM:                LLMConfig{Provider: "openai"},
		Webhook:            WebhookConfig{RequestsPerSecond: 10, Burst: 20},
		Approval:           ApprovalConfig{TokenTTL: 24 * time.Hour},
		Tracing:            tracing.DefaultConfig(),
	}
	return cfg
}

// Load reads a YAML config file and applies defaults and env fallbacks.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Approval.SigningSecret == "" {
		c.Approval.SigningSecret = os.Getenv("CASCADE_APPROVAL_SECRET")
	}
	if dsn := os.Getenv("CASCADE_POSTGRES_DSN"); dsn != "" && c.Store.Postgres.DSN == "" {
		c.Store.Postgres.DSN = dsn
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite store")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store type %q (memory, sqlite, postgres)", c.Store.Type)
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive")
	}
	if c.Webhook.RequestsPerSecond <= 0 {
		return fmt.Errorf("webhook.requests_per_second must be positive")
	}
	for _, s := range c.Schedules.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule name is required")
		}
		if s.Workflow == "" {
			return fmt.Errorf("schedule %s: workflow is required", s.Name)
		}
	}
	return nil
}
