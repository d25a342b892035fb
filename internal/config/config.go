package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL           string
	HTTPAddr              string
	PollInterval          int // seconds
	MaxJobAttempts        int
	ShutdownTimeout       int // seconds
	OutlookClientID       string
	OutlookClientSecret   string
	OutlookTenantID       string
	WebhookBaseURL        string // public base URL the provider posts notifications to
	TokenEncryptionSecret string // passphrase the token cipher derives its key from
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Missing OAuth credentials or the encryption secret is a startup
	// precondition failure, not something to limp along without.
	clientID := os.Getenv("OUTLOOK_CLIENT_ID")
	clientSecret := os.Getenv("OUTLOOK_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("OUTLOOK_CLIENT_ID and OUTLOOK_CLIENT_SECRET are required")
	}

	encryptionSecret := os.Getenv("TOKEN_ENCRYPTION_SECRET")
	if encryptionSecret == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_SECRET is required")
	}

	webhookBaseURL := os.Getenv("WEBHOOK_BASE_URL")
	if webhookBaseURL == "" {
		return nil, fmt.Errorf("WEBHOOK_BASE_URL is required")
	}

	tenantID := os.Getenv("OUTLOOK_TENANT_ID")
	if tenantID == "" {
		tenantID = "common"
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	return &Config{
		DatabaseURL:           dbURL,
		HTTPAddr:              httpAddr,
		PollInterval:          10, // poll every 10 seconds
		MaxJobAttempts:        5,
		ShutdownTimeout:       30,
		OutlookClientID:       clientID,
		OutlookClientSecret:   clientSecret,
		OutlookTenantID:       tenantID,
		WebhookBaseURL:        webhookBaseURL,
		TokenEncryptionSecret: encryptionSecret,
	}, nil
}
