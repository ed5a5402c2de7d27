// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Supported browser backends.
const (
	BackendHTTP   = "http"
	BackendChrome = "chrome"
)

// DefaultUserAgent mimics a desktop Chrome build. Manifests may override it.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_9_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/35.0.1916.47 Safari/537.36"

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Network     NetworkConfig     `mapstructure:"network" yaml:"network"`
	Manifests   ManifestsConfig   `mapstructure:"manifests" yaml:"manifests"`
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
	// Run gets its marching orders from CLI flags, not the config file.
	Run RunConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig selects and tunes the web-interaction backend.
type BrowserConfig struct {
	Backend         string   `mapstructure:"backend" yaml:"backend"`
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool     `mapstructure:"debug" yaml:"debug"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string `mapstructure:"args" yaml:"args"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NetworkConfig tunes the HTTP transport shared by the resolver and the HTTP backend.
type NetworkConfig struct {
	Timeout           time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	Proxy             ProxyConfig       `mapstructure:"proxy" yaml:"proxy"`
	IgnoreTLSErrors   bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// RateLimit caps outbound requests per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// ManifestsConfig controls where site manifests are found.
type ManifestsConfig struct {
	Dir             string `mapstructure:"dir" yaml:"dir"`
	RemoteDiscovery bool   `mapstructure:"remote_discovery" yaml:"remote_discovery"`
}

// EngineConfig configures the form interaction engine.
type EngineConfig struct {
	// HeuristicSettle is the pause after each heuristic navigation step.
	HeuristicSettle time.Duration `mapstructure:"heuristic_settle" yaml:"heuristic_settle"`
}

// DiagnosticsConfig controls failure snapshots.
type DiagnosticsConfig struct {
	SnapshotDir string `mapstructure:"snapshot_dir" yaml:"snapshot_dir"`
}

// RunConfig carries the per-invocation settings taken from the command line.
type RunConfig struct {
	Domain      string
	NoChange    bool
	Username    string
	OldPassword string
	NewPassword string
}

// NewDefaultConfig builds a Config populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "celobox")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.backend", BackendHTTP)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.user_agent", DefaultUserAgent)

	// -- Network --
	v.SetDefault("network.timeout", "30s")
	v.SetDefault("network.navigation_timeout", "60s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.proxy.enabled", false)
	v.SetDefault("network.proxy.address", "")
	v.SetDefault("network.rate_limit", 0)
	v.SetDefault("network.rate_burst", 1)

	// -- Manifests --
	v.SetDefault("manifests.dir", "manifests")
	v.SetDefault("manifests.remote_discovery", true)

	// -- Engine --
	v.SetDefault("engine.heuristic_settle", "3s")

	// -- Diagnostics --
	v.SetDefault("diagnostics.snapshot_dir", ".")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	_ = v.BindEnv("browser.exec_path", "CELOBOX_CHROME_PATH", "CHROME_PATH")
	_ = v.BindEnv("browser.debug", "CELOBOX_DEBUG")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Manifests.Dir, &c.Diagnostics.SnapshotDir, &c.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Browser.Backend) {
	case BackendHTTP, BackendChrome:
	default:
		return fmt.Errorf("browser.backend must be %q or %q, got %q", BackendHTTP, BackendChrome, c.Browser.Backend)
	}
	if c.Network.Timeout < 0 {
		return errors.New("network.timeout must not be negative")
	}
	if c.Network.NavigationTimeout < 0 {
		return errors.New("network.navigation_timeout must not be negative")
	}
	if c.Network.RateLimit < 0 {
		return errors.New("network.rate_limit must not be negative")
	}
	if c.Network.RateLimit > 0 && c.Network.RateBurst <= 0 {
		return errors.New("network.rate_burst must be a positive integer when rate limiting is enabled")
	}
	if c.Network.Proxy.Enabled && c.Network.Proxy.Address == "" {
		return errors.New("network.proxy.address is required when the proxy is enabled")
	}
	if c.Engine.HeuristicSettle < 0 {
		return errors.New("engine.heuristic_settle must not be negative")
	}
	return nil
}

// IgnoreTLSErrors reports whether either the browser or network section opts out of verification.
func (c *Config) IgnoreTLSErrors() bool {
	return c.Browser.IgnoreTLSErrors || c.Network.IgnoreTLSErrors
}
