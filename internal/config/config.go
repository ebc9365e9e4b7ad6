package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@schedulr.app"`

	// DevMode swaps the SMTP transport for a log-only one.
	DevMode bool `envconfig:"DEV_MODE" default:"false"`

	// ----------------------------
	// Queue processor
	// ----------------------------
	ProcessInterval time.Duration `envconfig:"PROCESS_INTERVAL" default:"5m"`
	BatchLimit      int           `envconfig:"BATCH_LIMIT" default:"50"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"10"`

	// ----------------------------
	// Ledger cleanup
	// ----------------------------
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
