package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every runtime option the gateway and scheduler recognize.
// Values come from the environment; Load applies documented defaults.
type Config struct {
	// Database
	DatabaseURL string

	// Stripe
	StripeSecretKey           string
	StripeWebhookSecret       string
	StripeInternalAdminToken  string
	StripeCatalogEnv          string
	StripeCatalogSyncEnabled  bool
	StripeCatalogSyncCron     string
	StripeWebhookClaimTTL     int // seconds
	StripeWebhookMaxBodyBytes int64
	StripeRetryBatchSize      int
	StripeGraceBatchSize      int
	StripeWebhookMaxAttempts  int

	// Billing behavior
	BillingGraceDays int

	// Auth
	AuthIssuerURL string
	AuthAudience  string

	// User-facing redirects
	CheckoutSuccessURL     string
	CheckoutCancelURL      string
	BillingPortalReturnURL string
	ContactSalesURL        string
	UpgradeURL             string

	// Server
	APIPort string
}

// Load reads configuration from the environment and applies defaults.
// Required keys that are missing produce an error so binaries can fail fast.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		StripeSecretKey:           os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:       os.Getenv("STRIPE_WEBHOOK_SIGNING_SECRET"),
		StripeInternalAdminToken:  os.Getenv("STRIPE_INTERNAL_ADMIN_TOKEN"),
		StripeCatalogEnv:          os.Getenv("STRIPE_CATALOG_ENV"),
		StripeCatalogSyncEnabled:  envBool("STRIPE_CATALOG_SYNC_ENABLED", true),
		StripeCatalogSyncCron:     envString("STRIPE_CATALOG_SYNC_CRON", "*/15 * * * *"),
		StripeWebhookClaimTTL:     envInt("STRIPE_WEBHOOK_CLAIM_TTL_SECONDS", 300),
		StripeWebhookMaxBodyBytes: int64(envInt("STRIPE_WEBHOOK_MAX_BODY_BYTES", 262144)),
		StripeRetryBatchSize:      envInt("STRIPE_RETRY_BATCH_SIZE", 200),
		StripeGraceBatchSize:      envInt("STRIPE_GRACE_BATCH_SIZE", 500),
		StripeWebhookMaxAttempts:  envInt("STRIPE_WEBHOOK_MAX_ATTEMPTS", 8),
		BillingGraceDays:          envInt("BILLING_GRACE_DAYS", 7),
		AuthIssuerURL:             os.Getenv("AUTH_ISSUER_URL"),
		AuthAudience:              os.Getenv("AUTH_AUDIENCE"),
		CheckoutSuccessURL:        os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:         os.Getenv("CHECKOUT_CANCEL_URL"),
		BillingPortalReturnURL:    os.Getenv("BILLING_PORTAL_RETURN_URL"),
		ContactSalesURL:           os.Getenv("CONTACT_SALES_URL"),
		UpgradeURL:                os.Getenv("UPGRADE_URL"),
		APIPort:                   envString("API_PORT", "8000"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	return cfg, nil
}

// RequireStripe validates that the Stripe credentials needed by the billing
// surface are present.
func (c *Config) RequireStripe() error {
	if c.StripeSecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY environment variable is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SIGNING_SECRET environment variable is required")
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
