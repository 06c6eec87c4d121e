// Package config assembles the one explicit configuration object paykit
// components are constructed from. Defaults, an optional YAML file and
// environment overrides are merged once at startup; no component reads
// ambient state at call time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the process-wide configuration, assembled once and passed into
// every component constructor.
type Config struct {
	Server       ServerConfig       `yaml:"server" validate:"required"`
	Facilitators FacilitatorsConfig `yaml:"facilitators" validate:"required"`
	Wallet       WalletConfig       `yaml:"wallet"`
	Audit        AuditConfig        `yaml:"audit"`
	Log          LogConfig          `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds the seller-side payment parameters.
type ServerConfig struct {
	// Network every inbound payment must match.
	Network string `yaml:"network" validate:"required"`

	// PayTo is the seller's receiving address.
	PayTo string `yaml:"pay_to" validate:"required"`

	// Asset is the stablecoin contract address payments must use.
	Asset string `yaml:"asset" validate:"required"`

	// AssetDecimals converts human prices to atomic units.
	AssetDecimals int32 `yaml:"asset_decimals"`

	// MaxTimeoutSeconds advertised to clients as authorization validity hint.
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds"`

	// SigningName/SigningVersion populate requirements.extra for signers.
	SigningName    string `yaml:"signing_name"`
	SigningVersion string `yaml:"signing_version"`
}

// FacilitatorsConfig selects and orders verify/settle backends.
type FacilitatorsConfig struct {
	Primary   string                   `yaml:"primary" validate:"required"`
	Fallbacks []string                 `yaml:"fallbacks"`
	Strategy  string                   `yaml:"strategy" validate:"oneof=failover cheapest fastest random roundrobin"`
	Backends  map[string]BackendConfig `yaml:"backends" validate:"required,dive"`
}

// BackendConfig describes one external facilitator service.
type BackendConfig struct {
	DisplayName string        `yaml:"display_name"`
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	Networks    []string      `yaml:"networks" validate:"required,min=1"`
	Timeout     time.Duration `yaml:"timeout"`

	// Fee in atomic units per settlement, used by the cheapest strategy.
	// Empty means the backend advertises no fee and sorts last.
	Fee string `yaml:"fee"`
}

// WalletConfig holds the security limits for wallet-held funds.
type WalletConfig struct {
	PerTransactionCap string        `yaml:"per_transaction_cap"`
	DailyCap          string        `yaml:"daily_cap"`
	RequireWhitelist  bool          `yaml:"require_whitelist"`
	Whitelist         []string      `yaml:"whitelist"`
	PendingTTL        time.Duration `yaml:"pending_ttl"`
}

// AuditConfig locates the append-only audit store.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in defaults layered under file and environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			AssetDecimals:     6,
			MaxTimeoutSeconds: 600,
			SigningVersion:    "2",
		},
		Facilitators: FacilitatorsConfig{
			Strategy: "failover",
		},
		Wallet: WalletConfig{
			PendingTTL: 24 * time.Hour,
		},
		Audit: AuditConfig{
			Dir: "audit",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load merges defaults, the YAML file at path (if non-empty) and environment
// overrides, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides individual fields from PAYKIT_* variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PAYKIT_NETWORK"); v != "" {
		c.Server.Network = v
	}
	if v := os.Getenv("PAYKIT_PAY_TO"); v != "" {
		c.Server.PayTo = v
	}
	if v := os.Getenv("PAYKIT_ASSET"); v != "" {
		c.Server.Asset = v
	}
	if v := os.Getenv("PAYKIT_ASSET_DECIMALS"); v != "" {
		if d, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.Server.AssetDecimals = int32(d)
		}
	}
	if v := os.Getenv("PAYKIT_FACILITATOR_PRIMARY"); v != "" {
		c.Facilitators.Primary = v
	}
	if v := os.Getenv("PAYKIT_FACILITATOR_STRATEGY"); v != "" {
		c.Facilitators.Strategy = v
	}
	if v := os.Getenv("PAYKIT_AUDIT_DIR"); v != "" {
		c.Audit.Dir = v
	}
	if v := os.Getenv("PAYKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks structural constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, ok := c.Facilitators.Backends[c.Facilitators.Primary]; !ok {
		return fmt.Errorf("primary facilitator %q has no backend entry", c.Facilitators.Primary)
	}
	for _, name := range c.Facilitators.Fallbacks {
		if _, ok := c.Facilitators.Backends[name]; !ok {
			return fmt.Errorf("fallback facilitator %q has no backend entry", name)
		}
	}
	return nil
}
