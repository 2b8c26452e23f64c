package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AWSRegion          string `mapstructure:"AWS_REGION"`
	MedicalDocsBucket  string `mapstructure:"MEDICAL_DOCS_BUCKET"`
	ConversionQueueURL string `mapstructure:"CONVERSION_QUEUE_URL"`
	ConversionDLQURL   string `mapstructure:"CONVERSION_DLQ_URL"`

	FHIRServerURL string `mapstructure:"FHIR_SERVER_URL"`

	GatewayEndpointURL   string `mapstructure:"GATEWAY_ENDPOINT_URL"`
	GatewayDirectoryFile string `mapstructure:"GATEWAY_DIRECTORY_FILE"`
	CallbackJWTSecret    string `mapstructure:"CALLBACK_JWT_SECRET"`

	WebhookURL    string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	PollTimeout      time.Duration `mapstructure:"POLL_TIMEOUT"`
	PollInterval     time.Duration `mapstructure:"POLL_INTERVAL"`
	ExistenceWorkers int           `mapstructure:"EXISTENCE_WORKERS"`
	ConvertWorkers   int           `mapstructure:"CONVERT_WORKERS"`
	RedriveWorkers   int           `mapstructure:"REDRIVE_WORKERS"`
	TallyMaxRetries  int           `mapstructure:"TALLY_MAX_RETRIES"`
	TallyRetryDelay  time.Duration `mapstructure:"TALLY_RETRY_DELAY"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("POLL_TIMEOUT", "2m")
	v.SetDefault("POLL_INTERVAL", "2s")
	v.SetDefault("EXISTENCE_WORKERS", 10)
	v.SetDefault("CONVERT_WORKERS", 5)
	v.SetDefault("REDRIVE_WORKERS", 3)
	v.SetDefault("TALLY_MAX_RETRIES", 3)
	v.SetDefault("TALLY_RETRY_DELAY", "200ms")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("AWS_REGION")
	v.BindEnv("MEDICAL_DOCS_BUCKET")
	v.BindEnv("CONVERSION_QUEUE_URL")
	v.BindEnv("CONVERSION_DLQ_URL")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("GATEWAY_ENDPOINT_URL")
	v.BindEnv("GATEWAY_DIRECTORY_FILE")
	v.BindEnv("CALLBACK_JWT_SECRET")
	v.BindEnv("WEBHOOK_URL")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("POLL_TIMEOUT")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("EXISTENCE_WORKERS")
	v.BindEnv("CONVERT_WORKERS")
	v.BindEnv("REDRIVE_WORKERS")
	v.BindEnv("TALLY_MAX_RETRIES")
	v.BindEnv("TALLY_RETRY_DELAY")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.MedicalDocsBucket == "" {
		return nil, fmt.Errorf("MEDICAL_DOCS_BUCKET is required")
	}
	if cfg.FHIRServerURL == "" {
		return nil, fmt.Errorf("FHIR_SERVER_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the gateway is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. In production the
// conversion queue, callback auth secret, and database must all be
// configured; in development the in-memory fallbacks are acceptable.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ConversionQueueURL == "" {
			return fmt.Errorf("CONVERSION_QUEUE_URL is required in production")
		}
		if c.CallbackJWTSecret == "" {
			return fmt.Errorf("CALLBACK_JWT_SECRET is required in production")
		}
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive, got %s", c.PollTimeout)
	}
	if c.PollInterval <= 0 || c.PollInterval >= c.PollTimeout {
		return fmt.Errorf("POLL_INTERVAL must be positive and below POLL_TIMEOUT, got %s", c.PollInterval)
	}
	if c.TallyMaxRetries < 1 {
		return fmt.Errorf("TALLY_MAX_RETRIES must be at least 1, got %d", c.TallyMaxRetries)
	}
	return nil
}
