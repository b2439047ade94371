// Package config loads and persists the WireClaw daemon configuration from
// $WIRECLAW_HOME/config.yaml, applies environment overrides, and exposes a
// stable fingerprint of the active settings.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wireclaw/wireclaw/internal/otel"
)

// AuthConfig selects how handshake credentials resolve to an identity.
// Mode is one of "jwt", "token", or "none".
type AuthConfig struct {
	Mode string `yaml:"mode"`

	// Token is the shared bearer token accepted in "token" mode.
	Token string `yaml:"token"`
	// TokenScopes are the scope names granted to the shared token.
	TokenScopes []string `yaml:"token_scopes"`

	// JWTSecret is the HMAC signing secret accepted in "jwt" mode.
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig bounds per-identity request rates on dispatch.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// ApprovalsConfig tunes the approval coordinator.
type ApprovalsConfig struct {
	// AutoApproveMax is the highest risk level resolved without an operator:
	// "none", "low", "medium", "high", or "critical". Default "low".
	AutoApproveMax string `yaml:"auto_approve_max"`
	// RetentionHours keeps resolved approval records queryable before the
	// maintenance job purges them. Default 72.
	RetentionHours int `yaml:"retention_hours"`
}

// MaintenanceConfig drives the background cron jobs.
type MaintenanceConfig struct {
	// Schedule is a cron expression; empty disables maintenance.
	Schedule string `yaml:"schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// BindAddr is the gateway listen address.
	BindAddr string `yaml:"bind_addr"`

	// AllowOrigins controls accepted Origin headers for browser WebSocket
	// connections; empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	LogLevel string `yaml:"log_level"`

	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Approvals   ApprovalsConfig   `yaml:"approvals"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Auth: AuthConfig{
			Mode:        "token",
			TokenScopes: []string{"admin"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Approvals: ApprovalsConfig{
			AutoApproveMax: "low",
			RetentionHours: 72,
		},
		Maintenance: MaintenanceConfig{
			Schedule: "@every 10m",
		},
	}
}

// HomeDir resolves the data directory: $WIRECLAW_HOME or ~/.wireclaw.
func HomeDir() string {
	if override := os.Getenv("WIRECLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".wireclaw")
}

// ConfigPath returns the config.yaml path under homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml under HomeDir(), merging defaults, file values and
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create wireclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("WIRECLAW_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("WIRECLAW_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("WIRECLAW_AUTH_TOKEN"); raw != "" {
		cfg.Auth.Token = raw
	}
	if raw := os.Getenv("WIRECLAW_JWT_SECRET"); raw != "" {
		cfg.Auth.JWTSecret = raw
	}
	if raw := os.Getenv("WIRECLAW_RATE_LIMIT_RPM"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.RequestsPerMinute = v
		}
	}
}

func normalize(cfg *Config) {
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "token"
	}
	cfg.Approvals.AutoApproveMax = strings.ToLower(strings.TrimSpace(cfg.Approvals.AutoApproveMax))
	if cfg.Approvals.AutoApproveMax == "" {
		cfg.Approvals.AutoApproveMax = "low"
	}
	if cfg.Approvals.RetentionHours <= 0 {
		cfg.Approvals.RetentionHours = 72
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
}

func (c Config) validate() error {
	switch c.Auth.Mode {
	case "token":
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.mode is token but auth.token is empty")
		}
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.mode is jwt but auth.jwt_secret is empty")
		}
	case "none":
	default:
		return fmt.Errorf("unknown auth.mode %q (supported: jwt, token, none)", c.Auth.Mode)
	}
	switch c.Approvals.AutoApproveMax {
	case "none", "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("unknown approvals.auto_approve_max %q", c.Approvals.AutoApproveMax)
	}
	return nil
}

// Retention returns the approval record retention as a duration.
func (c ApprovalsConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Fingerprint returns a stable hash of the active config, surfaced by
// admin.status so operators can confirm which settings a daemon runs with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|auth=%s|rpm=%d|burst=%d|auto=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.Auth.Mode,
		c.RateLimit.RequestsPerMinute, c.RateLimit.BurstSize,
		c.Approvals.AutoApproveMax, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map
// if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// settableKeys are the config.yaml entries the config.set RPC may touch.
var settableKeys = map[string]struct{}{
	"log_level":                      {},
	"approvals.auto_approve_max":     {},
	"rate_limit.requests_per_minute": {},
	"rate_limit.burst_size":          {},
}

// Set persists one settable key in config.yaml, preserving other settings.
// Dotted keys address nested maps one level deep.
func Set(homeDir, key, value string) error {
	if _, ok := settableKeys[key]; !ok {
		return fmt.Errorf("config key %q is not settable at runtime", key)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	section, leaf, nested := strings.Cut(key, ".")
	if !nested {
		raw[key] = coerce(value)
		return saveRawConfig(configPath, raw)
	}
	inner, _ := raw[section].(map[string]any)
	if inner == nil {
		inner = make(map[string]any)
	}
	inner[leaf] = coerce(value)
	raw[section] = inner
	return saveRawConfig(configPath, raw)
}

func coerce(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
