package services

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Production    bool             `yaml:"-"`
	BlacklistPath string           `yaml:"blacklist_path" validate:"required"`
	ArrayFields   []string         `yaml:"array_fields"`
	EventLog      EventLogConfig   `yaml:"event_log"`
	Reputation    ReputationConfig `yaml:"reputation"`
	Tokens        TokenConfig      `yaml:"tokens"`
	RateLimiting  RateLimitConfig  `yaml:"rate_limiting"`
	RedisURL      string           `yaml:"redis_url"`
}

func defaultConfig() *Config {
	return &Config{
		BlacklistPath: "data/blacklist.txt",
		ArrayFields:   []string{"tags", "ids", "fields"},
		EventLog: EventLogConfig{
			Dir:             "logs",
			MaxSegmentBytes: 10 << 20,
			MirrorToConsole: true,
			RecentBuffer:    1000,
		},
		Reputation: ReputationConfig{
			Threshold:       5,
			StalenessWindow: 1 * time.Hour,
			SweepInterval:   1 * time.Hour,
			BlacklistTTL:    0,
		},
		Tokens: TokenConfig{
			TTL:           1 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		RateLimiting: RateLimitConfig{
			Tiers:          DefaultTierLimits(),
			FailOpen:       true,
			TrustedProxies: []string{"127.0.0.1", "::1"},
			EnableDebug:    false,
		},
	}
}

// LoadConfig reads the yaml config at path, falling back to full defaults
// when the file does not exist, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := defaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

func applyEnvOverrides(config *Config) {
	config.Production = os.Getenv("GO_ENV") == "production" || os.Getenv("ENVIRONMENT") == "production"
	if config.Production {
		config.EventLog.MirrorToConsole = false
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		config.RedisURL = v
	}
	if v := os.Getenv("SUSPICIOUS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Reputation.Threshold = n
		}
	}
	if v := os.Getenv("BLACKLIST_PATH"); v != "" {
		config.BlacklistPath = v
	}
	if v := os.Getenv("BLACKLIST_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Reputation.BlacklistTTL = d
		}
	}
	if v := os.Getenv("RATE_LIMIT_FAIL_CLOSED"); v == "true" || v == "1" {
		config.RateLimiting.FailOpen = false
	}
}
