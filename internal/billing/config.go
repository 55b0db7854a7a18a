package billing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/membership-billing/internal/billing/agreement"
	"github.com/rcourtman/membership-billing/internal/billing/webhook"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string

	StripeAPIKey           string // optional; without it provider-backed operations report ProviderNotConfigured
	StripeWebhookSecret    string // optional; empty accepts unsigned deliveries (development only)
	StripeWebhookTolerance time.Duration

	MembershipProductIDs []string
	DefaultPeriod        time.Duration
	AgreementType        string

	ProviderConcurrency int
	ProviderRateLimit   float64 // requests per second
	BackgroundWorkers   int
	BackgroundQueueSize int
	WebhookRateLimit    float64 // deliveries per second per client IP
	WebhookBurst        int

	RedisURL          string
	PostmarkToken     string
	EmailFrom         string
	NotifyEmail       string
	DirectoryURL      string
	DirectoryAPIKey   string
	LogLevel          string
	LogFormat         string
	LogFile           string
	PublicMetrics     bool
	PublicStatus      bool
	CachePrefix       string
	MetricsInterval   time.Duration
	BackgroundTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// StoreDir returns the directory holding the billing database.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "billing")
}

// LoadConfig loads billing configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8080)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", webhook.DefaultTolerance)
	if err != nil {
		return nil, err
	}
	periodDays, err := envOrDefaultInt("MEMBERSHIP_DEFAULT_PERIOD_DAYS", 365)
	if err != nil {
		return nil, err
	}
	concurrency, err := envOrDefaultInt("PROVIDER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	rateLimit, err := envOrDefaultFloat("PROVIDER_RATE_LIMIT", 20)
	if err != nil {
		return nil, err
	}
	workers, err := envOrDefaultInt("BACKGROUND_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	queueSize, err := envOrDefaultInt("BACKGROUND_QUEUE_SIZE", 128)
	if err != nil {
		return nil, err
	}
	webhookRate, err := envOrDefaultFloat("WEBHOOK_RATE_LIMIT", 2)
	if err != nil {
		return nil, err
	}
	webhookBurst, err := envOrDefaultInt("WEBHOOK_BURST", 120)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:                envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:            envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                   port,
		AdminKey:               strings.TrimSpace(os.Getenv("BILLING_ADMIN_KEY")),
		StripeAPIKey:           strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret:    strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeWebhookTolerance: tolerance,
		MembershipProductIDs:   splitList(os.Getenv("MEMBERSHIP_PRODUCT_IDS")),
		DefaultPeriod:          time.Duration(periodDays) * 24 * time.Hour,
		AgreementType:          envOrDefault("AGREEMENT_TYPE", agreement.DefaultType),
		ProviderConcurrency:    concurrency,
		ProviderRateLimit:      rateLimit,
		BackgroundWorkers:      workers,
		BackgroundQueueSize:    queueSize,
		WebhookRateLimit:       webhookRate,
		WebhookBurst:           webhookBurst,
		RedisURL:               strings.TrimSpace(os.Getenv("REDIS_URL")),
		PostmarkToken:          strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		EmailFrom:              envOrDefault("EMAIL_FROM", "billing@localhost"),
		NotifyEmail:            strings.TrimSpace(os.Getenv("BILLING_NOTIFY_EMAIL")),
		DirectoryURL:           strings.TrimSpace(os.Getenv("DIRECTORY_URL")),
		DirectoryAPIKey:        strings.TrimSpace(os.Getenv("DIRECTORY_API_KEY")),
		LogLevel:               envOrDefault("LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("LOG_FORMAT", "auto"),
		LogFile:                strings.TrimSpace(os.Getenv("LOG_FILE")),
		PublicMetrics:          envBool("PUBLIC_METRICS"),
		PublicStatus:           envBool("PUBLIC_STATUS"),
		CachePrefix:            envOrDefault("CACHE_KEY_PREFIX", "membership:"),
		MetricsInterval:        30 * time.Second,
		BackgroundTimeout:      30 * time.Second,
		ShutdownTimeout:        30 * time.Second,
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "BILLING_ADMIN_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.StripeWebhookTolerance <= 0 {
		return fmt.Errorf("STRIPE_WEBHOOK_TOLERANCE must be positive, got %s", c.StripeWebhookTolerance)
	}
	if c.DefaultPeriod <= 0 {
		return fmt.Errorf("MEMBERSHIP_DEFAULT_PERIOD_DAYS must be greater than 0")
	}
	if c.ProviderConcurrency < 1 {
		return fmt.Errorf("PROVIDER_CONCURRENCY must be at least 1, got %d", c.ProviderConcurrency)
	}
	if c.ProviderRateLimit <= 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT must be greater than 0, got %g", c.ProviderRateLimit)
	}
	if c.BackgroundWorkers < 1 || c.BackgroundQueueSize < 1 {
		return fmt.Errorf("BACKGROUND_WORKERS and BACKGROUND_QUEUE_SIZE must be at least 1")
	}
	if c.WebhookRateLimit <= 0 || c.WebhookBurst < 1 {
		return fmt.Errorf("WEBHOOK_RATE_LIMIT and WEBHOOK_BURST must be positive")
	}
	if (c.DirectoryURL == "") != (c.DirectoryAPIKey == "") {
		return fmt.Errorf("DIRECTORY_URL and DIRECTORY_API_KEY must be set together")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	return err == nil && v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
