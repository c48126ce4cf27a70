// Package config loads server and agent settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`

	// RateLimitStore is "memory" or "redis".
	RateLimitStore string `env:"RATE_LIMIT_STORE" envDefault:"memory"`
	RateLimitFile  string `env:"RATE_LIMIT_FILE"`

	SessionSecret string `env:"SESSION_SECRET" envDefault:"change-me-in-production"`
	UploadDir     string `env:"UPLOAD_DIR"     envDefault:"uploads"`

	VAPIDPublicKey  string `env:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `env:"VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `env:"VAPID_SUBJECT" envDefault:"mailto:admin@localhost"`

	SMSGatewayURL string `env:"SMS_GATEWAY_URL"`
	SMSUsername   string `env:"SMS_USERNAME"`
	SMSPassword   string `env:"SMS_PASSWORD"`
	SMSSenderID   string `env:"SMS_SENDER_ID" envDefault:"DISPATCH"`

	OfflineDBPath        string        `env:"OFFLINE_DB_PATH"        envDefault:"offline-queue.db"`
	OfflineBaseURL       string        `env:"OFFLINE_BASE_URL"       envDefault:"http://localhost:8080"`
	OfflineProbeURL      string        `env:"OFFLINE_PROBE_URL"`
	OfflineProbeInterval time.Duration `env:"OFFLINE_PROBE_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.RateLimitStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be memory or redis, got %q", c.RateLimitStore)
	}
	if c.OfflineProbeInterval <= 0 {
		return errors.New("OFFLINE_PROBE_INTERVAL must be positive")
	}
	return nil
}

// ProbeURL is the connectivity probe target, defaulting to the replay base.
func (c Config) ProbeURL() string {
	if c.OfflineProbeURL != "" {
		return c.OfflineProbeURL
	}
	return c.OfflineBaseURL + "/healthz"
}

// SMSEnabled reports whether an SMS gateway is configured.
func (c Config) SMSEnabled() bool { return c.SMSGatewayURL != "" }

// PushEnabled reports whether VAPID keys are configured.
func (c Config) PushEnabled() bool { return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != "" }
