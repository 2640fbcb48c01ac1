// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Render modes.
const (
	RenderModeRemote = "remote"
	RenderModeLocal  = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Render   RenderConfig   `mapstructure:"render"`
	Detector DetectorConfig `mapstructure:"detector"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP proxy.
type ServerConfig struct {
	// Port serves proxied application traffic only.
	Port int `mapstructure:"port"`
	// AdminPort serves health, metrics and the /v1 API. It must differ from
	// Port so none of those paths shadow the application's own.
	AdminPort int `mapstructure:"admin_port"`
	// Upstream is the application requests are proxied to when not intercepted.
	Upstream string `mapstructure:"upstream"`
	// APIKey protects the /v1 endpoints when set. The list mutation routes
	// are only mounted when it is.
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RenderConfig selects and configures the snapshot renderer.
type RenderConfig struct {
	Mode           string         `mapstructure:"mode"`
	Endpoint       string         `mapstructure:"endpoint"`
	Email          string         `mapstructure:"email"`
	Key            string         `mapstructure:"key"`
	TimeoutSeconds int            `mapstructure:"timeout_seconds"`
	Parameters     map[string]any `mapstructure:"parameters"`
	Headless       HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the local chromedp renderer.
type HeadlessConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	UserAgent     string `mapstructure:"user_agent"`
	Screenshot    bool   `mapstructure:"screenshot"`
}

// DetectorConfig configures crawler detection.
type DetectorConfig struct {
	IgnoredRoutes         []string `mapstructure:"ignored_routes"`
	MatchedRoutes         []string `mapstructure:"matched_routes"`
	CheckFileExtensions   bool     `mapstructure:"check_file_extensions"`
	CheckStaticFiles      bool     `mapstructure:"check_static_files"`
	DocumentRoot          string   `mapstructure:"document_root"`
	TrustForwardedHeaders bool     `mapstructure:"trust_forwarded_headers"`
	RobotsFile            string   `mapstructure:"robots_file"`
	ExtensionsFile        string   `mapstructure:"extensions_file"`
	ExtraMatch            []string `mapstructure:"extra_match"`
	ExtraIgnore           []string `mapstructure:"extra_ignore"`
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory, if present, is loaded into the environment first.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SNAPSEARCH")
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
	v.SetDefault("server.admin_port", 9090)
	v.SetDefault("server.upstream", "")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("render.mode", RenderModeRemote)
	v.SetDefault("render.endpoint", "https://snapsearch.io/api/v1/robot")
	v.SetDefault("render.email", "")
	v.SetDefault("render.key", "")
	v.SetDefault("render.timeout_seconds", 30)
	v.SetDefault("render.headless.max_parallel", 2)
	v.SetDefault("render.headless.nav_timeout_seconds", 45)
	v.SetDefault("render.headless.user_agent", "SnapSearch-Local")
	v.SetDefault("render.headless.screenshot", false)
	v.SetDefault("detector.ignored_routes", []string{})
	v.SetDefault("detector.matched_routes", []string{})
	v.SetDefault("detector.check_file_extensions", false)
	v.SetDefault("detector.check_static_files", false)
	v.SetDefault("detector.document_root", "")
	v.SetDefault("detector.trust_forwarded_headers", false)
	v.SetDefault("detector.robots_file", "")
	v.SetDefault("detector.extensions_file", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.AdminPort <= 0 {
		return errors.New("server.admin_port must be > 0")
	}
	if c.Server.AdminPort == c.Server.Port {
		return fmt.Errorf("server.admin_port must differ from server.port (%d)", c.Server.Port)
	}
	if c.Server.TimeoutSeconds <= 0 {
		return errors.New("server.timeout_seconds must be > 0")
	}
	if c.Server.Upstream != "" {
		u, err := url.Parse(c.Server.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.upstream must be an absolute http(s) URL, got %q", c.Server.Upstream)
		}
	}
	switch c.Render.Mode {
	case RenderModeRemote:
		if c.Render.Endpoint == "" {
			return errors.New("render.endpoint must be set in remote mode")
		}
	case RenderModeLocal:
		if c.Render.Headless.MaxParallel <= 0 {
			return errors.New("render.headless.max_parallel must be > 0 in local mode")
		}
	default:
		return fmt.Errorf("render.mode must be %q or %q, got %q", RenderModeRemote, RenderModeLocal, c.Render.Mode)
	}
	if c.Render.TimeoutSeconds <= 0 {
		return errors.New("render.timeout_seconds must be > 0")
	}
	if c.Detector.CheckStaticFiles && c.Detector.DocumentRoot == "" {
		return errors.New("detector.document_root must be set when check_static_files is enabled")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB <= 0 {
		return errors.New("logging.max_size_mb must be > 0 when logging.file is set")
	}
	return nil
}

// RenderTimeout returns the render call budget.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request budget of the HTTP server.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
