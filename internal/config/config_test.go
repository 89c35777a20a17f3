package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HoldThreshold() != 400*time.Millisecond {
		t.Errorf("hold threshold = %s, want 400ms", cfg.HoldThreshold())
	}
	if cfg.TokenTTL() != time.Minute {
		t.Errorf("token ttl = %s, want 1m", cfg.TokenTTL())
	}
	if cfg.MaxGainDB != 6.0 {
		t.Errorf("max gain = %v, want 6.0", cfg.MaxGainDB)
	}
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty for defaults", hash)
	}
	if cfg.HoldThresholdMs != 400 {
		t.Errorf("hold threshold = %d, want default 400", cfg.HoldThresholdMs)
	}
}

func TestOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authcore.yaml")
	raw := `hold_threshold_ms: 600
max_gain_db: 3.0
protected_resources:
  - master-bus
parameter_ranges:
  - name: PAN_RANGE
    param: pan
    min: -1
    max: 1
`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HoldThresholdMs != 600 {
		t.Errorf("hold threshold = %d, want 600", cfg.HoldThresholdMs)
	}
	if cfg.MaxGainDB != 3.0 {
		t.Errorf("max gain = %v, want 3.0", cfg.MaxGainDB)
	}
	// Unset keys keep their defaults.
	if cfg.TokenTTLSec != 60 {
		t.Errorf("token ttl = %d, want default 60", cfg.TokenTTLSec)
	}
	if len(cfg.ParameterRanges) != 1 || cfg.ParameterRanges[0].Name != "PAN_RANGE" {
		t.Errorf("parameter ranges = %+v", cfg.ParameterRanges)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("hash = %q, want sha256 prefix", hash)
	}

	// Same bytes, same hash.
	_, hash2, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if hash != hash2 {
		t.Errorf("hash changed between loads: %s vs %s", hash, hash2)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"zero hold threshold", "hold_threshold_ms: 0"},
		{"negative token ttl", "token_ttl_sec: -5"},
		{"range missing param", "parameter_ranges:\n  - name: BAD\n    min: 0\n    max: 1"},
		{"inverted range", "parameter_ranges:\n  - name: BAD\n    param: x\n    min: 2\n    max: 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.raw), 0644); err != nil {
				t.Fatal(err)
			}
			if _, _, err := LoadConfigWithHash(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
