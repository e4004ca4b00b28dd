// Package config reads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Port    string
	DBPath  string
	BaseURL string
	Logs    LogConfig
	Stripe  StripeConfig
	Email   EmailConfig
	Backup  BackupConfig
}

type LogConfig struct {
	Level string
	Style string
}

type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	PremiumPriceID string
	TrialDays      int64
}

type EmailConfig struct {
	APIKey    string
	FromEmail string
}

type BackupConfig struct {
	Endpoint      string
	Bucket        string
	Region        string
	AccessKey     string
	SecretKey     string
	Passphrase    string
	IntervalHours int
}

func Load() (*Config, error) {
	trialDays := int64(30)
	if v := os.Getenv("TRIAL_PERIOD_DAYS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse TRIAL_PERIOD_DAYS: %w", err)
		}
		trialDays = n
	}

	backupInterval := 24
	if v := os.Getenv("BACKUP_INTERVAL_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse BACKUP_INTERVAL_HOURS: %w", err)
		}
		backupInterval = n
	}

	cfg := &Config{
		Port:    envOr("PORT", "8080"),
		DBPath:  envOr("DB_PATH", "setlink.db"),
		BaseURL: envOr("BASE_URL", "http://localhost:8080"),
		Logs: LogConfig{
			Level: os.Getenv("LOG_LEVEL"),
			Style: os.Getenv("LOG_STYLE"),
		},
		Stripe: StripeConfig{
			SecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
			PremiumPriceID: os.Getenv("STRIPE_PREMIUM_PRICE_ID"),
			TrialDays:      trialDays,
		},
		Email: EmailConfig{
			APIKey:    os.Getenv("SENDGRID_API_KEY"),
			FromEmail: os.Getenv("EMAIL_FROM"),
		},
		Backup: BackupConfig{
			Endpoint:      os.Getenv("BACKUP_S3_ENDPOINT"),
			Bucket:        os.Getenv("BACKUP_S3_BUCKET"),
			Region:        os.Getenv("BACKUP_S3_REGION"),
			AccessKey:     os.Getenv("BACKUP_S3_ACCESS_KEY"),
			SecretKey:     os.Getenv("BACKUP_S3_SECRET_KEY"),
			Passphrase:    os.Getenv("BACKUP_PASSPHRASE"),
			IntervalHours: backupInterval,
		},
	}

	if cfg.Stripe.SecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required")
	}
	if cfg.Stripe.WebhookSecret == "" {
		return nil, fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if cfg.Stripe.PremiumPriceID == "" {
		return nil, fmt.Errorf("STRIPE_PREMIUM_PRICE_ID is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
