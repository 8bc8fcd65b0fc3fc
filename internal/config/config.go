// Package config loads the YAML configuration file, expands environment
// variable references, and applies defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Config is the top-level configuration for switchboard.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Channels  ChannelsConfig  `yaml:"channels"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" keeps sessions ephemeral.
	Path string `yaml:"path"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// SchedulerConfig holds run execution settings and the queue policy applied
// to newly created sessions.
type SchedulerConfig struct {
	AgentID    string        `yaml:"agent_id"`
	RunTimeout time.Duration `yaml:"run_timeout"`
	Workspace  string        `yaml:"workspace"`

	Queue QueueConfig `yaml:"queue"`
}

type QueueConfig struct {
	Mode       string `yaml:"mode"` // interrupt | collect
	DebounceMs int    `yaml:"debounce_ms"`
	Cap        int    `yaml:"cap"`
	Drop       string `yaml:"drop"` // old | summarize
}

type DedupeConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxSize         int           `yaml:"max_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	JitterRatio  float64       `yaml:"jitter_ratio"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing, so tokens can live outside
// the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes raw YAML into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "switchboard.db"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Scheduler.AgentID == "" {
		cfg.Scheduler.AgentID = "default"
	}
	if cfg.Scheduler.RunTimeout == 0 {
		cfg.Scheduler.RunTimeout = 5 * time.Minute
	}
	def := models.DefaultQueuePolicy()
	if cfg.Scheduler.Queue.Mode == "" {
		cfg.Scheduler.Queue.Mode = string(def.Mode)
	}
	if cfg.Scheduler.Queue.DebounceMs == 0 {
		cfg.Scheduler.Queue.DebounceMs = def.DebounceMs
	}
	if cfg.Scheduler.Queue.Cap == 0 {
		cfg.Scheduler.Queue.Cap = def.Cap
	}
	if cfg.Scheduler.Queue.Drop == "" {
		cfg.Scheduler.Queue.Drop = string(def.Drop)
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = 10 * time.Minute
	}
	if cfg.Dedupe.MaxSize == 0 {
		cfg.Dedupe.MaxSize = 10000
	}
	if cfg.Dedupe.CleanupInterval == 0 {
		cfg.Dedupe.CleanupInterval = time.Minute
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect.InitialDelay = time.Second
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = time.Minute
	}
	if cfg.Reconnect.Factor == 0 {
		cfg.Reconnect.Factor = 2
	}
	if cfg.Reconnect.JitterRatio == 0 {
		cfg.Reconnect.JitterRatio = 0.25
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch models.QueueMode(c.Scheduler.Queue.Mode) {
	case models.QueueModeInterrupt, models.QueueModeCollect:
	default:
		return fmt.Errorf("scheduler.queue.mode must be %q or %q, got %q",
			models.QueueModeInterrupt, models.QueueModeCollect, c.Scheduler.Queue.Mode)
	}
	switch models.DropPolicy(c.Scheduler.Queue.Drop) {
	case models.DropOldest, models.DropSummarize:
	default:
		return fmt.Errorf("scheduler.queue.drop must be %q or %q, got %q",
			models.DropOldest, models.DropSummarize, c.Scheduler.Queue.Drop)
	}
	if c.Scheduler.Queue.DebounceMs < 0 {
		return fmt.Errorf("scheduler.queue.debounce_ms must not be negative")
	}
	if c.Scheduler.Queue.Cap < 0 {
		return fmt.Errorf("scheduler.queue.cap must not be negative")
	}
	if c.Reconnect.Factor < 1 {
		return fmt.Errorf("reconnect.factor must be at least 1")
	}
	if c.Channels.Slack.Enabled && (c.Channels.Slack.BotToken == "" || c.Channels.Slack.AppToken == "") {
		return fmt.Errorf("channels.slack requires bot_token and app_token when enabled")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram requires bot_token when enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken == "" {
		return fmt.Errorf("channels.discord requires bot_token when enabled")
	}
	return nil
}

// QueuePolicy converts the configured queue section into the model type
// stamped onto new sessions.
func (c *Config) QueuePolicy() models.QueuePolicy {
	return models.QueuePolicy{
		Mode:       models.QueueMode(c.Scheduler.Queue.Mode),
		DebounceMs: c.Scheduler.Queue.DebounceMs,
		Cap:        c.Scheduler.Queue.Cap,
		Drop:       models.DropPolicy(c.Scheduler.Queue.Drop),
	}
}
