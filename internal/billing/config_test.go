package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BILLING_ADMIN_KEY", "secret-admin-key")
	for _, key := range []string{
		"BILLING_PORT", "STRIPE_WEBHOOK_TOLERANCE", "MEMBERSHIP_PRODUCT_IDS",
		"MEMBERSHIP_DEFAULT_PERIOD_DAYS", "PROVIDER_CONCURRENCY", "PROVIDER_RATE_LIMIT",
		"DIRECTORY_URL", "DIRECTORY_API_KEY", "PUBLIC_METRICS", "AGREEMENT_TYPE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.StripeWebhookTolerance)
	assert.Equal(t, 365*24*time.Hour, cfg.DefaultPeriod)
	assert.Equal(t, "membership", cfg.AgreementType)
	assert.Equal(t, 4, cfg.ProviderConcurrency)
	assert.Equal(t, float64(20), cfg.ProviderRateLimit)
	assert.Empty(t, cfg.MembershipProductIDs)
	assert.False(t, cfg.PublicMetrics)
}

func TestLoadConfigOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BILLING_PORT", "9090")
	t.Setenv("STRIPE_WEBHOOK_TOLERANCE", "90s")
	t.Setenv("MEMBERSHIP_PRODUCT_IDS", " prod_a, ,prod_b ")
	t.Setenv("MEMBERSHIP_DEFAULT_PERIOD_DAYS", "30")
	t.Setenv("PUBLIC_METRICS", "true")
	t.Setenv("DIRECTORY_URL", "https://directory.internal")
	t.Setenv("DIRECTORY_API_KEY", "dir-key")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.StripeWebhookTolerance)
	assert.Equal(t, []string{"prod_a", "prod_b"}, cfg.MembershipProductIDs)
	assert.Equal(t, 30*24*time.Hour, cfg.DefaultPeriod)
	assert.True(t, cfg.PublicMetrics)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing admin key", map[string]string{"BILLING_ADMIN_KEY": ""}, "BILLING_ADMIN_KEY"},
		{"non-numeric port", map[string]string{"BILLING_PORT": "http"}, "BILLING_PORT must be a valid integer"},
		{"port out of range", map[string]string{"BILLING_PORT": "70000"}, "BILLING_PORT must be between"},
		{"bad tolerance", map[string]string{"STRIPE_WEBHOOK_TOLERANCE": "soon"}, "STRIPE_WEBHOOK_TOLERANCE"},
		{"zero period", map[string]string{"MEMBERSHIP_DEFAULT_PERIOD_DAYS": "0"}, "MEMBERSHIP_DEFAULT_PERIOD_DAYS"},
		{"zero concurrency", map[string]string{"PROVIDER_CONCURRENCY": "0"}, "PROVIDER_CONCURRENCY"},
		{"directory without key", map[string]string{"DIRECTORY_URL": "https://directory.internal"}, "DIRECTORY_URL and DIRECTORY_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("LoadConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
