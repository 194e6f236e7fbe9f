// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/rankwatch/rematch-tracker/internal/tracker"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Browser BrowserConfig `mapstructure:"browser"`
	Scraper ScraperConfig `mapstructure:"scraper"`
	Store   StoreConfig   `mapstructure:"store"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Logging LoggingConfig `mapstructure:"logging"`
	History HistoryConfig `mapstructure:"history"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	ExecPath      string `mapstructure:"exec_path"`
	Headless      bool   `mapstructure:"headless"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
	UserAgent     string `mapstructure:"user_agent"`
	WarmupSeconds int    `mapstructure:"warmup_seconds"`
}

// ScraperConfig governs how a profile exchange is located.
type ScraperConfig struct {
	ProfileURLPrefix    string `mapstructure:"profile_url_prefix"`
	APIPathMarker       string `mapstructure:"api_path_marker"`
	APIMethod           string `mapstructure:"api_method"`
	EventTimeoutSeconds int    `mapstructure:"event_timeout_seconds"`
	TargetTimeoutSecs   int    `mapstructure:"target_timeout_seconds"`
	MinIntervalMs       int    `mapstructure:"min_interval_ms"`
}

// StoreConfig locates the persisted player file.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RefreshConfig drives the periodic refresher.
type RefreshConfig struct {
	Schedule  string `mapstructure:"schedule"`
	Disabled  bool   `mapstructure:"disabled"`
	OnStartup bool   `mapstructure:"on_startup"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HistoryConfig enables the Postgres snapshot history. An empty DSN disables it.
type HistoryConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// MirrorConfig enables uploading the store file to GCS after each refresh.
type MirrorConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Object    string `mapstructure:"object"`
}

// NotifyConfig enables Pub/Sub refresh notifications.
type NotifyConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.warmup_seconds", 30)
	v.SetDefault("scraper.profile_url_prefix", tracker.DefaultProfileURLPrefix)
	v.SetDefault("scraper.api_path_marker", "/api/profiles")
	v.SetDefault("scraper.api_method", "GET")
	v.SetDefault("scraper.event_timeout_seconds", 10)
	v.SetDefault("scraper.target_timeout_seconds", 60)
	v.SetDefault("scraper.min_interval_ms", 2000)
	v.SetDefault("store.path", "data/players.json")
	v.SetDefault("refresh.schedule", "@every 30m")
	v.SetDefault("refresh.disabled", false)
	v.SetDefault("refresh.on_startup", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.table", "player_snapshots")
	v.SetDefault("mirror.gcs_bucket", "")
	v.SetDefault("mirror.object", "rematch-tracker/players.json")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if !strings.HasPrefix(c.Scraper.ProfileURLPrefix, "https://") && !strings.HasPrefix(c.Scraper.ProfileURLPrefix, "http://") {
		return fmt.Errorf("scraper.profile_url_prefix must be an http(s) URL prefix")
	}
	if c.Scraper.APIPathMarker == "" {
		return fmt.Errorf("scraper.api_path_marker is required")
	}
	if c.Scraper.EventTimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.event_timeout_seconds must be > 0")
	}
	if c.Scraper.TargetTimeoutSecs < 0 {
		return fmt.Errorf("scraper.target_timeout_seconds must be >= 0")
	}
	if c.Scraper.MinIntervalMs < 0 {
		return fmt.Errorf("scraper.min_interval_ms must be >= 0")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	if !c.Refresh.Disabled {
		if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
			return fmt.Errorf("refresh.schedule %q: %w", c.Refresh.Schedule, err)
		}
	}
	if c.History.DSN != "" && !validIdentifier(c.History.Table) {
		return fmt.Errorf("history.table must be a plain SQL identifier")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	return nil
}

// EventTimeout is the correlator's per-event wait.
func (c Config) EventTimeout() time.Duration {
	return time.Duration(c.Scraper.EventTimeoutSeconds) * time.Second
}

// TargetTimeout bounds one whole profile scrape.
func (c Config) TargetTimeout() time.Duration {
	return time.Duration(c.Scraper.TargetTimeoutSecs) * time.Second
}

// MinInterval is the politeness gap between page loads on one host.
func (c Config) MinInterval() time.Duration {
	return time.Duration(c.Scraper.MinIntervalMs) * time.Millisecond
}

// WarmupTimeout bounds the browser launch.
func (c Config) WarmupTimeout() time.Duration {
	return time.Duration(c.Browser.WarmupSeconds) * time.Second
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
