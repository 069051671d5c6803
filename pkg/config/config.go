package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces every environment variable read by the client.
const EnvPrefix = "PEEP_"

// ClientConfig holds runtime configuration for the deploy client.
type ClientConfig struct {
	Environment       string        `koanf:"app_env" validate:"required"`
	ControlPlaneURL   string        `koanf:"control_plane_url" validate:"required,url"`
	StreamURL         string        `koanf:"stream_url" validate:"required,url"`
	RequestTimeout    time.Duration `koanf:"request_timeout" validate:"gt=0"`
	ReconnectAttempts int           `koanf:"reconnect_attempts" validate:"gte=1"`
	ReconnectDelay    time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	ReconnectJitter   time.Duration `koanf:"reconnect_jitter" validate:"gte=0"`
	LogLevel          string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr       string        `koanf:"metrics_addr"`
}

// DefaultClientConfig returns the settings used when nothing is configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Environment:       "development",
		ControlPlaneURL:   "http://localhost:9000",
		StreamURL:         "ws://localhost:9002/ws",
		RequestTimeout:    15 * time.Second,
		ReconnectAttempts: 5,
		ReconnectDelay:    time.Second,
		LogLevel:          "info",
	}
}

// LoadClientConfig reads PEEP_* environment variables, after loading
// envFile into the environment when it exists, and validates the result.
func LoadClientConfig(envFile string) (ClientConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ClientConfig{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultClientConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// Validate checks the configuration after flag overrides have been applied.
func (c ClientConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
