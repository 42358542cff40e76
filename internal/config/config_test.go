package config

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("LL_AGE_THRESHOLD", "480h")
	t.Setenv("LL_REACTIVATION_PERIOD", "72h")
	t.Setenv("LL_CLICK_PROBS", "0.1,0.4,0.8,0.9")
	t.Setenv("LL_STOP_PROBS", "0.1,0.3,0.6,0.9")
	t.Setenv("LL_MAX_FEEDBACK_ATTEMPTS", "5")
	t.Setenv("LL_LOG_LEVEL", "debug")
	t.Setenv("LL_HISTORY_TTL", "168h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Retention.AgeThreshold != 20*24*time.Hour {
		t.Errorf("AgeThreshold = %v, want 480h", cfg.Retention.AgeThreshold)
	}
	if cfg.Retention.ReactivationPeriod != 72*time.Hour {
		t.Errorf("ReactivationPeriod = %v, want 72h", cfg.Retention.ReactivationPeriod)
	}
	if want := []float64{0.1, 0.4, 0.8, 0.9}; !reflect.DeepEqual(cfg.Simulator.ClickProbabilities, want) {
		t.Errorf("ClickProbabilities = %v, want %v", cfg.Simulator.ClickProbabilities, want)
	}
	if cfg.API.MaxFeedbackAttempts != 5 {
		t.Errorf("MaxFeedbackAttempts = %d, want 5", cfg.API.MaxFeedbackAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
	if cfg.Metrics.HistoryTTL != 7*24*time.Hour {
		t.Errorf("Metrics.HistoryTTL = %v, want 168h", cfg.Metrics.HistoryTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
retention:
  age_threshold: 240h
  reactivation_period: 48h
  reactivation_url: "https://example.org/reactivate"
simulator:
  iterations: 25
  max_wait: 250ms
api:
  base_url: "http://lab.example.org/api"
  key: "SITEKEY"
store:
  driver: memory
log:
  level: warn
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Retention.AgeThreshold != 240*time.Hour {
		t.Errorf("AgeThreshold = %v, want 240h", cfg.Retention.AgeThreshold)
	}
	if cfg.Retention.ReactivationURL != "https://example.org/reactivate" {
		t.Errorf("ReactivationURL = %s", cfg.Retention.ReactivationURL)
	}
	if cfg.Simulator.Iterations != 25 {
		t.Errorf("Iterations = %d, want 25", cfg.Simulator.Iterations)
	}
	if cfg.Simulator.MaxWait != 250*time.Millisecond {
		t.Errorf("MaxWait = %v, want 250ms", cfg.Simulator.MaxWait)
	}
	if cfg.API.Key != "SITEKEY" {
		t.Errorf("API.Key = %s, want SITEKEY", cfg.API.Key)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %s, want memory", cfg.Store.Driver)
	}
	// Untouched sections keep their defaults.
	if cfg.API.MaxFeedbackAttempts != 15 {
		t.Errorf("MaxFeedbackAttempts = %d, want default 15", cfg.API.MaxFeedbackAttempts)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("log:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("LL_LOG_LEVEL", "error")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %s, want error", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !apperrors.IsConfiguration(err) {
		t.Fatalf("Load() error = %v, want configuration error", err)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "zero age threshold",
			modify: func(c *Config) {
				c.Retention.AgeThreshold = 0
			},
			wantErr: true,
		},
		{
			name: "negative reactivation period",
			modify: func(c *Config) {
				c.Retention.ReactivationPeriod = -time.Hour
			},
			wantErr: true,
		},
		{
			name: "click probability above one",
			modify: func(c *Config) {
				c.Simulator.ClickProbabilities = []float64{0.1, 1.5, 1.6}
			},
			wantErr: true,
		},
		{
			name: "decreasing stop probability",
			modify: func(c *Config) {
				c.Simulator.StopProbabilities = []float64{0.9, 0.5, 0.2}
			},
			wantErr: true,
		},
		{
			name: "mismatched tables",
			modify: func(c *Config) {
				c.Simulator.StopProbabilities = []float64{0.2, 0.5}
			},
			wantErr: true,
		},
		{
			name: "empty click table",
			modify: func(c *Config) {
				c.Simulator.ClickProbabilities = nil
			},
			wantErr: true,
		},
		{
			name: "inverted wait range",
			modify: func(c *Config) {
				c.Simulator.MinWait = 2 * time.Second
				c.Simulator.MaxWait = time.Second
			},
			wantErr: true,
		},
		{
			name: "NaN click probability",
			modify: func(c *Config) {
				c.Simulator.ClickProbabilities = []float64{0.05, math.NaN(), 0.95}
			},
			wantErr: true,
		},
		{
			name: "NaN stop probability",
			modify: func(c *Config) {
				c.Simulator.StopProbabilities = []float64{math.NaN(), 0.5, 0.9}
			},
			wantErr: true,
		},
		{
			name: "zero retry backoff",
			modify: func(c *Config) {
				c.API.RetryBackoff = 0
			},
			wantErr: true,
		},
		{
			name: "backoff cap below base",
			modify: func(c *Config) {
				c.API.RetryBackoff = time.Second
				c.API.RetryBackoffMax = time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "zero history ttl",
			modify: func(c *Config) {
				c.Metrics.HistoryTTL = 0
			},
			wantErr: true,
		},
		{
			name: "zero feedback attempts",
			modify: func(c *Config) {
				c.API.MaxFeedbackAttempts = 0
			},
			wantErr: true,
		},
		{
			name: "invalid store driver",
			modify: func(c *Config) {
				c.Store.Driver = "mongo"
			},
			wantErr: true,
		},
		{
			name: "kafka without brokers",
			modify: func(c *Config) {
				c.Bus.Type = "kafka"
			},
			wantErr: true,
		},
		{
			name: "kafka with brokers",
			modify: func(c *Config) {
				c.Bus.Type = "kafka"
				c.Bus.KafkaBrokers = "localhost:9092"
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !apperrors.IsConfiguration(err) {
				t.Errorf("Validate() error = %v, want configuration error", err)
			}
		})
	}
}
