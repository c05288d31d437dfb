package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBFile      string        `envconfig:"GOVORILKA_DB" default:"govorilka.db"`
	APIAddr     string        `envconfig:"API_ADDR" default:":8080"`
	BaseURL     string        `envconfig:"BASE_URL" default:"http://localhost:8080"`
	UploadsPath string        `envconfig:"UPLOADS_PATH" default:"uploads"`
	TokenExpiry time.Duration `envconfig:"TOKEN_EXPIRY" default:"24h"`

	// Presence heartbeat interval. Refreshes lastSeen only, never the
	// online flag.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`

	// Quiet period after the last keystroke before the typing signal
	// is cleared.
	TypingQuiet time.Duration `envconfig:"TYPING_QUIET" default:"2s"`

	// Optional Redis address for the ephemeral typing-signal store.
	// Empty means typing signals go through the document store.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// VAPID keys for web push. Empty disables push notifications.
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	PushContact     string `envconfig:"PUSH_CONTACT" default:"mailto:admin@localhost"`
}

func Load() (*Config, error) {
	// Missing .env is fine, the environment wins either way.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be greater than 0")
	}
	if c.TypingQuiet <= 0 {
		return fmt.Errorf("TYPING_QUIET must be greater than 0")
	}
	return nil
}
