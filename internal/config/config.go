// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// Config holds all application configuration.
type Config struct {
	// Retention sweep configuration
	Retention RetentionConfig `yaml:"retention"`

	// Click simulation configuration
	Simulator SimulatorConfig `yaml:"simulator"`

	// Living Labs API client configuration
	API APIConfig `yaml:"api"`

	// Run/query store configuration
	Store StoreConfig `yaml:"store"`

	// Bus configuration
	Bus BusConfig `yaml:"bus"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// RetentionConfig holds the run retention thresholds.
type RetentionConfig struct {
	AgeThreshold       time.Duration `envconfig:"LL_AGE_THRESHOLD" yaml:"age_threshold"`
	ReactivationPeriod time.Duration `envconfig:"LL_REACTIVATION_PERIOD" yaml:"reactivation_period"`
	Interval           time.Duration `envconfig:"LL_SWEEP_INTERVAL" yaml:"interval"`
	ReactivationURL    string        `envconfig:"LL_REACTIVATION_URL" yaml:"reactivation_url"`
	NotifyOnDelete     bool          `envconfig:"LL_NOTIFY_ON_DELETE" yaml:"notify_on_delete"`
}

// SimulatorConfig holds click simulation settings.
type SimulatorConfig struct {
	// Probability tables indexed by relevance grade.
	ClickProbabilities []float64 `envconfig:"LL_CLICK_PROBS" yaml:"click_probabilities"`
	StopProbabilities  []float64 `envconfig:"LL_STOP_PROBS" yaml:"stop_probabilities"`

	Iterations int           `envconfig:"LL_SIM_ITERATIONS" yaml:"iterations"` // 0 = unbounded
	MinWait    time.Duration `envconfig:"LL_SIM_MIN_WAIT" yaml:"min_wait"`
	MaxWait    time.Duration `envconfig:"LL_SIM_MAX_WAIT" yaml:"max_wait"`
	Seed       int64         `envconfig:"LL_SIM_SEED" yaml:"seed"` // 0 = time based
	HashIDs    bool          `envconfig:"LL_HASH_IDS" yaml:"hash_ids"`
}

// APIConfig holds settings for talking to the Living Labs API.
type APIConfig struct {
	BaseURL             string        `envconfig:"LL_API_URL" yaml:"base_url"`
	Key                 string        `envconfig:"LL_API_KEY" yaml:"key"`
	Timeout             time.Duration `envconfig:"LL_API_TIMEOUT" yaml:"timeout"`
	RequestsPerSecond   float64       `envconfig:"LL_API_RPS" yaml:"requests_per_second"` // 0 = unlimited
	MaxFeedbackAttempts int           `envconfig:"LL_MAX_FEEDBACK_ATTEMPTS" yaml:"max_feedback_attempts"`
	RetryBackoff        time.Duration `envconfig:"LL_RETRY_BACKOFF" yaml:"retry_backoff"`
	RetryBackoffMax     time.Duration `envconfig:"LL_RETRY_BACKOFF_MAX" yaml:"retry_backoff_max"`
}

// StoreConfig holds run/query store settings.
type StoreConfig struct {
	Driver string `envconfig:"LL_STORE_DRIVER" yaml:"driver"`
	Path   string `envconfig:"LL_STORE_PATH" yaml:"path"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Type         string `envconfig:"LL_BUS_TYPE" yaml:"type"`
	KafkaBrokers string `envconfig:"LL_KAFKA_BROKERS" yaml:"kafka_brokers"`
	KafkaGroup   string `envconfig:"LL_KAFKA_GROUP" yaml:"kafka_group"`
	EventLog     string `envconfig:"LL_EVENT_LOG" yaml:"event_log"` // empty = disabled
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Addr        string        `envconfig:"LL_METRICS_ADDR" yaml:"addr"`
	Persistence string        `envconfig:"LL_METRICS_PERSISTENCE" yaml:"persistence"`
	RedisURL    string        `envconfig:"LL_REDIS_URL" yaml:"redis_url"`
	HistoryTTL  time.Duration `envconfig:"LL_HISTORY_TTL" yaml:"history_ttl"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `envconfig:"LL_LOG_LEVEL" yaml:"level"`
	Format string `envconfig:"LL_LOG_FORMAT" yaml:"format"`
}

// Load loads configuration from environment variables and optional config file.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	// Set defaults first
	setDefaults(cfg)

	// Load from YAML file if provided (overrides defaults)
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfiguration, "loading config file", err)
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "processing env config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	day := 24 * time.Hour

	cfg.Retention = RetentionConfig{
		AgeThreshold:       30 * day,
		ReactivationPeriod: 7 * day,
		Interval:           24 * time.Hour,
		ReactivationURL:    "http://living-labs.net/dashboard/my/runs",
		NotifyOnDelete:     false,
	}

	cfg.Simulator = SimulatorConfig{
		ClickProbabilities: []float64{0.05, 0.5, 0.95},
		StopProbabilities:  []float64{0.2, 0.5, 0.9},
		Iterations:         0,
		MinWait:            0,
		MaxWait:            time.Second,
		HashIDs:            true,
	}

	cfg.API = APIConfig{
		BaseURL:             "http://127.0.0.1:5000/api",
		Timeout:             30 * time.Second,
		MaxFeedbackAttempts: 15,
		RetryBackoff:        500 * time.Millisecond,
		RetryBackoffMax:     30 * time.Second,
	}

	cfg.Store = StoreConfig{
		Driver: "sqlite",
		Path:   "./data/livelab.db",
	}

	cfg.Bus = BusConfig{
		Type: "memory",
	}

	cfg.Metrics = MetricsConfig{
		Addr:        ":9090",
		Persistence: "memory",
		RedisURL:    "redis://localhost:6379",
		HistoryTTL:  30 * 24 * time.Hour,
	}

	cfg.Log = LogConfig{
		Level:  "info",
		Format: "text",
	}
}

// Validate validates the configuration. The returned error is a
// ConfigurationError listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Retention validation
	if c.Retention.AgeThreshold <= 0 {
		errs = append(errs, "age_threshold must be positive")
	}
	if c.Retention.ReactivationPeriod <= 0 {
		errs = append(errs, "reactivation_period must be positive")
	}
	if c.Retention.Interval <= 0 {
		errs = append(errs, "sweep interval must be positive")
	}

	// Simulator validation
	errs = append(errs, validateProbabilities("click_probabilities", c.Simulator.ClickProbabilities)...)
	errs = append(errs, validateProbabilities("stop_probabilities", c.Simulator.StopProbabilities)...)
	if len(c.Simulator.ClickProbabilities) != len(c.Simulator.StopProbabilities) {
		errs = append(errs, "click_probabilities and stop_probabilities must cover the same grades")
	}
	if c.Simulator.Iterations < 0 {
		errs = append(errs, "iterations must not be negative")
	}
	if c.Simulator.MinWait < 0 || c.Simulator.MaxWait < c.Simulator.MinWait {
		errs = append(errs, "wait range must satisfy 0 <= min_wait <= max_wait")
	}

	// API validation
	if c.API.BaseURL == "" {
		errs = append(errs, "api base_url is required")
	}
	if c.API.MaxFeedbackAttempts < 1 {
		errs = append(errs, "max_feedback_attempts must be at least 1")
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, "requests_per_second must not be negative")
	}
	if c.API.RetryBackoff <= 0 || c.API.RetryBackoffMax < c.API.RetryBackoff {
		errs = append(errs, "retry backoff must satisfy 0 < retry_backoff <= retry_backoff_max")
	}

	// Store validation
	validDrivers := map[string]bool{"memory": true, "sqlite": true}
	if !validDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("invalid store driver: %s (must be memory or sqlite)", c.Store.Driver))
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		errs = append(errs, "store path is required for the sqlite driver")
	}

	// Bus validation
	validBusTypes := map[string]bool{"memory": true, "kafka": true}
	if !validBusTypes[c.Bus.Type] {
		errs = append(errs, fmt.Sprintf("invalid bus type: %s (must be memory or kafka)", c.Bus.Type))
	}
	if c.Bus.Type == "kafka" && strings.TrimSpace(c.Bus.KafkaBrokers) == "" {
		errs = append(errs, "kafka_brokers is required for the kafka bus")
	}

	// Metrics validation
	validPersistence := map[string]bool{"memory": true, "redis": true}
	if !validPersistence[c.Metrics.Persistence] {
		errs = append(errs, fmt.Sprintf("invalid metrics persistence: %s (must be memory or redis)", c.Metrics.Persistence))
	}
	if c.Metrics.HistoryTTL <= 0 {
		errs = append(errs, "history_ttl must be positive")
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return apperrors.ConfigurationError(fmt.Sprintf("config validation failed:\n  - %s", strings.Join(errs, "\n  - ")))
	}

	return nil
}

func validateProbabilities(name string, probs []float64) []string {
	if len(probs) == 0 {
		return []string{name + " must not be empty"}
	}

	var errs []string
	for grade, p := range probs {
		if !(p >= 0 && p <= 1) {
			errs = append(errs, fmt.Sprintf("%s[%d] = %v is outside [0,1]", name, grade, p))
		}
		if grade > 0 && p < probs[grade-1] {
			errs = append(errs, fmt.Sprintf("%s must be non-decreasing in grade (grade %d)", name, grade))
		}
	}
	return errs
}
