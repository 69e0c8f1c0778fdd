package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultTelegramEndpoint = "https://api.telegram.org/bot%s/%s"

type Config struct {
	// Server
	ServerPort   string         `yaml:"server_port"`
	DatabasePath string         `yaml:"database_path"`
	TimezoneName string         `yaml:"timezone"`
	Timezone     *time.Location `yaml:"-"`
	APIUsername  string         `yaml:"api_username"`
	APIPassword  string         `yaml:"api_password"`
	SweepSpec    string         `yaml:"sweep_spec"`

	// Telegram channel, process-wide
	TelegramToken       string `yaml:"telegram_token"`
	TelegramChatID      int64  `yaml:"telegram_chat_id"`
	TelegramEndpoint    string `yaml:"telegram_endpoint"`
	TelegramMentionUser string `yaml:"telegram_mention_user"`

	// Agent (page + background worker)
	APIBaseURL    string        `yaml:"api_base_url"`
	AgentDataDir  string        `yaml:"agent_data_dir"`
	AgentPort     string        `yaml:"agent_port"`
	ReconcileSpec string        `yaml:"reconcile_spec"`
	SnoozeMinutes int           `yaml:"snooze_minutes"`
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// Health monitor
	MonitorURL string `yaml:"monitor_url"`

	// CalDAV mirror (optional)
	CalDAVURL      string `yaml:"caldav_url"`
	CalDAVUsername string `yaml:"caldav_username"`
	CalDAVPassword string `yaml:"caldav_password"`
	CalDAVCalendar string `yaml:"caldav_calendar"`
}

// Default returns a Config with the built-in defaults applied.
func Default() *Config {
	return &Config{
		ServerPort:       "3001",
		DatabasePath:     "./data/ffdash.db",
		TimezoneName:     "Europe/Moscow",
		SweepSpec:        "* * * * *",
		TelegramEndpoint: DefaultTelegramEndpoint,
		APIBaseURL:       "http://localhost:3001/api",
		AgentDataDir:     "./data/agent",
		AgentPort:        "3002",
		ReconcileSpec:    "@every 1m",
		SnoozeMinutes:    5,
		ProbeInterval:    30 * time.Second,
	}
}

// Load builds the config from defaults, an optional YAML file named by
// FFDASH_CONFIG and environment variables, in that order.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("FFDASH_CONFIG"))
}

func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	tz, err := time.LoadLocation(cfg.TimezoneName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Timezone = tz

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.ServerPort, "SERVER_PORT")
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.TimezoneName, "TIMEZONE")
	setString(&c.APIUsername, "API_USERNAME")
	setString(&c.APIPassword, "API_PASSWORD")
	setString(&c.SweepSpec, "SWEEP_SPEC")

	setString(&c.TelegramToken, "TELEGRAM_BOT_TOKEN")
	setString(&c.TelegramEndpoint, "TELEGRAM_API_ENDPOINT")
	setString(&c.TelegramMentionUser, "TELEGRAM_MENTION_USER")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be a number")
		}
		c.TelegramChatID = id
	}

	setString(&c.APIBaseURL, "API_BASE_URL")
	setString(&c.AgentDataDir, "AGENT_DATA_DIR")
	setString(&c.AgentPort, "AGENT_PORT")
	setString(&c.ReconcileSpec, "RECONCILE_SPEC")
	if v := os.Getenv("SNOOZE_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("SNOOZE_MINUTES must be a positive number")
		}
		c.SnoozeMinutes = n
	}
	if v := os.Getenv("PROBE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PROBE_INTERVAL: %w", err)
		}
		c.ProbeInterval = d
	}

	setString(&c.MonitorURL, "MONITOR_URL")

	setString(&c.CalDAVURL, "CALDAV_URL")
	setString(&c.CalDAVUsername, "CALDAV_USERNAME")
	setString(&c.CalDAVPassword, "CALDAV_PASSWORD")
	setString(&c.CalDAVCalendar, "CALDAV_CALENDAR")
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ChannelConfigured reports whether the bot channel has both a token and a
// destination. Without them delivery degrades to local notifications only.
func (c *Config) ChannelConfigured() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

func (c *Config) CalDAVConfigured() bool {
	return c.CalDAVUsername != "" && c.CalDAVPassword != ""
}

func (c *Config) SnoozeInterval() time.Duration {
	return time.Duration(c.SnoozeMinutes) * time.Minute
}

// ValidateServer checks the settings the serve command depends on.
func (c *Config) ValidateServer() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.ServerPort == "" {
		return fmt.Errorf("SERVER_PORT is required")
	}
	if (c.APIUsername == "") != (c.APIPassword == "") {
		return fmt.Errorf("API_USERNAME and API_PASSWORD must be set together")
	}
	return nil
}

// ValidateAgent checks the settings the agent command depends on.
func (c *Config) ValidateAgent() error {
	if c.AgentDataDir == "" {
		return fmt.Errorf("AGENT_DATA_DIR is required")
	}
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.SnoozeMinutes <= 0 {
		return fmt.Errorf("snooze_minutes must be positive")
	}
	return nil
}

func (c *Config) ValidateMonitor() error {
	if c.MonitorURL == "" {
		return fmt.Errorf("MONITOR_URL is required")
	}
	if !c.ChannelConfigured() {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required for alerts")
	}
	return nil
}
