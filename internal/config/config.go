// Package config loads the yaml configuration governing thresholds, TTLs
// and policy limits. The raw file's hash is recorded in every sealed audit
// entry, so each decision is traceable to the exact configuration that
// produced it.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RangeRule declares a parameter range policy in configuration.
type RangeRule struct {
	Name  string  `yaml:"name"`
	Param string  `yaml:"param"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
}

// Config is the complete runtime configuration.
type Config struct {
	HoldThresholdMs      int `yaml:"hold_threshold_ms"`
	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
	TokenTTLSec          int `yaml:"token_ttl_sec"`
	SessionTTLMin        int `yaml:"session_ttl_min"`
	BridgeTimeoutSec     int `yaml:"bridge_timeout_sec"`

	MaxGainDB          float64     `yaml:"max_gain_db"`
	ProtectedResources []string    `yaml:"protected_resources"`
	ParameterRanges    []RangeRule `yaml:"parameter_ranges"`

	AuditDir    string `yaml:"audit_dir"`
	ArchivePath string `yaml:"archive_path"`
	PendingDir  string `yaml:"pending_dir"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		HoldThresholdMs:      400,
		InactivityTimeoutSec: 120,
		TokenTTLSec:          60,
		SessionTTLMin:        60,
		BridgeTimeoutSec:     10,
		MaxGainDB:            6.0,
		AuditDir:             "audit",
		ArchivePath:          "audit/archive.db",
		PendingDir:           "pending",
	}
}

// LoadConfig reads path and overlays it onto the defaults. A missing file
// is not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash additionally returns the sha256 of the raw file, or
// the empty string when the defaults were used unmodified.
func LoadConfigWithHash(path string) (Config, string, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, "", nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, "", nil
	}
	if err != nil {
		return cfg, "", fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, "", fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, "", err
	}

	h := sha256.Sum256(raw)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

func (c Config) validate() error {
	if c.HoldThresholdMs <= 0 {
		return fmt.Errorf("config: hold_threshold_ms must be positive")
	}
	if c.TokenTTLSec <= 0 {
		return fmt.Errorf("config: token_ttl_sec must be positive")
	}
	if c.SessionTTLMin <= 0 {
		return fmt.Errorf("config: session_ttl_min must be positive")
	}
	for _, r := range c.ParameterRanges {
		if r.Param == "" {
			return fmt.Errorf("config: parameter range %q missing param", r.Name)
		}
		if r.Min > r.Max {
			return fmt.Errorf("config: parameter range %q has min above max", r.Name)
		}
	}
	return nil
}

// HoldThreshold returns the hold threshold as a duration.
func (c Config) HoldThreshold() time.Duration {
	return time.Duration(c.HoldThresholdMs) * time.Millisecond
}

// InactivityTimeout returns the inactivity timeout as a duration.
func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSec) * time.Second
}

// TokenTTL returns the confirmation token lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSec) * time.Second
}

// SessionTTL returns the session lifetime.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMin) * time.Minute
}

// BridgeTimeout returns the bridge invocation deadline.
func (c Config) BridgeTimeout() time.Duration {
	return time.Duration(c.BridgeTimeoutSec) * time.Second
}
