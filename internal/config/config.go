// Package config provides dynamic configuration management for talonwatch.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for talonwatch.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort (6677): REST API, viewer socket, /metrics
	ControlPort int `mapstructure:"control_port"`
	// DataPort (1616): agent socket only
	DataPort int    `mapstructure:"data_port"`
	DBPath   string `mapstructure:"db_path"`
	DBDriver string `mapstructure:"db_driver"` // only "sqlite" for now

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for control-plane tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
	// HelloRateRPS / HelloRateBurst throttle agent hello attempts per remote IP.
	HelloRateRPS   float64 `mapstructure:"hello_rate_rps"`
	HelloRateBurst int     `mapstructure:"hello_rate_burst"`

	// ── Ingestion ─────────────────────────────────────────────────────────────
	// AgentInterval is the report interval handed to agents in hello_ok.
	AgentInterval       int `mapstructure:"agent_interval_seconds"`
	OfflineAfterMinutes int `mapstructure:"offline_after_minutes"`
	BillingAnchorDay    int `mapstructure:"billing_anchor_day"`
	SampleRetentionDays int `mapstructure:"sample_retention_days"`

	// ── Notifications ─────────────────────────────────────────────────────────
	NotifyInterval  int    `mapstructure:"notify_interval_seconds"`
	NotifyOffline   bool   `mapstructure:"notify_offline"`
	NotifyOnline    bool   `mapstructure:"notify_online"`
	NotifyExpiry    bool   `mapstructure:"notify_expiry"`
	ExpiryWarnDays  int    `mapstructure:"expiry_warn_days"`
	TelegramToken   string `mapstructure:"telegram_bot_token"`
	TelegramChatID  string `mapstructure:"telegram_chat_id"`
	TelegramAPIBase string `mapstructure:"telegram_api_base"`

	// ── Agent ────────────────────────────────────────────────────────────────
	// AgentServerURL is the data-plane socket, e.g. ws://192.168.1.1:1616/ws/agent
	AgentServerURL string `mapstructure:"agent_server_url"`
	AgentMachineID uint   `mapstructure:"agent_machine_id"`
	AgentKey       string `mapstructure:"agent_key"`
}

// Load reads config from file (./config.yaml or ~/.talonwatch/config.yaml)
// and falls back to smart defaults. Environment variables with prefix TALON_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Smart Defaults ---
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6677)
	v.SetDefault("data_port", 1616)
	v.SetDefault("db_path", "talonwatch.db")
	v.SetDefault("db_driver", "sqlite")

	// Security defaults: override in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Tw7$Xq7@wP2!mZ9#rK6^dV4&eA1*fYc")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("hello_rate_rps", 0.5)
	v.SetDefault("hello_rate_burst", 5)

	v.SetDefault("agent_interval_seconds", DefaultAgentInterval)
	v.SetDefault("offline_after_minutes", DefaultOfflineAfterMinutes)
	v.SetDefault("billing_anchor_day", DefaultAnchorDay)
	v.SetDefault("sample_retention_days", 30)

	v.SetDefault("notify_interval_seconds", 30)
	v.SetDefault("notify_offline", true)
	v.SetDefault("notify_online", true)
	v.SetDefault("notify_expiry", true)
	v.SetDefault("expiry_warn_days", DefaultExpiryWarnDays)
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("telegram_chat_id", "")
	v.SetDefault("telegram_api_base", "https://api.telegram.org")

	v.SetDefault("agent_server_url", "ws://127.0.0.1:1616/ws/agent")
	v.SetDefault("agent_machine_id", 0)
	v.SetDefault("agent_key", "")

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.talonwatch")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// NotifierConfigured reports whether an outbound alert channel is set up.
func (c *Config) NotifierConfigured() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}
