// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the MoodChat service.
package server

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls
// and the re-join policy applied by the dispatcher.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	RejoinPolicy   string
	Version        string
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		RejoinPolicy: RejoinReplace,
		Version:      "1.0.0",
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	if cfg.RejoinPolicy != RejoinReject {
		cfg.RejoinPolicy = RejoinReplace
	}

	if cfg.Version == "" {
		cfg.Version = defaultConfig().Version
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          cfg.RateLimit.Burst,
			RefillInterval: cfg.RateLimit.RefillInterval,
		},
		RejoinPolicy: cfg.RejoinPolicy,
		Version:      cfg.Version,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig reads configuration from an optional config.yaml in the working
// directory and from MOODCHAT_-prefixed environment variables, falling back
// to defaults for anything unset.
func LoadConfig(logger *slog.Logger) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", ":8080")
	v.SetDefault("allowedOrigins", []string{"http://localhost:8080"})
	v.SetDefault("maxMessageSize", 512)
	v.SetDefault("rateLimit.burst", 5)
	v.SetDefault("rateLimit.refillInterval", "1s")
	v.SetDefault("rejoinPolicy", RejoinReplace)
	v.SetDefault("version", defaultConfig().Version)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MOODCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		logger.Warn("Config file not found; relying on defaults and environment")
	}

	cfg := defaultConfig()
	cfg.Port = v.GetString("port")
	cfg.AllowedOrigins = v.GetStringSlice("allowedOrigins")
	cfg.MaxMessageSize = v.GetInt64("maxMessageSize")
	cfg.RateLimit.Burst = v.GetInt("rateLimit.burst")
	cfg.RateLimit.RefillInterval = v.GetDuration("rateLimit.refillInterval")
	cfg.RejoinPolicy = v.GetString("rejoinPolicy")
	cfg.Version = v.GetString("version")
	return &cfg, nil
}
