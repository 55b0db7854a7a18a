package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		DataDir:                t.TempDir(),
		AdminKey:               testAdminKey,
		StripeWebhookTolerance: 5 * time.Minute,
		DefaultPeriod:          365 * 24 * time.Hour,
		AgreementType:          "membership",
		ProviderConcurrency:    2,
		ProviderRateLimit:      10,
		BackgroundWorkers:      1,
		BackgroundQueueSize:    8,
		WebhookRateLimit:       1,
		WebhookBurst:           2,
		BackgroundTimeout:      time.Second,
		ShutdownTimeout:        time.Second,
	}
}

func newTestService(t *testing.T, cfg *Config) (*Service, http.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewService(ctx, cfg)
	if err != nil {
		cancel()
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = svc.Close()
	})
	return svc, svc.Handler("test")
}

func serve(h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:5555"
	if authed {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestProbesAreUnauthenticated(t *testing.T) {
	_, h := newTestService(t, testConfig(t))

	rec := serve(h, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(h, http.MethodGet, "/readyz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusAndMetricsRequireAdminKeyByDefault(t *testing.T) {
	_, h := newTestService(t, testConfig(t))

	for _, path := range []string{"/status", "/metrics"} {
		if rec := serve(h, http.MethodGet, path, "", false); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without key = %d, want 401", path, rec.Code)
		}
		if rec := serve(h, http.MethodGet, path, "", true); rec.Code != http.StatusOK {
			t.Fatalf("%s with key = %d, want 200", path, rec.Code)
		}
	}
}

func TestPublicMetricsAndStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.PublicMetrics = true
	cfg.PublicStatus = true
	_, h := newTestService(t, cfg)

	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/metrics", "", false).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/status", "", false).Code)
}

func TestWebhookRouteIsRateLimited(t *testing.T) {
	_, h := newTestService(t, testConfig(t))
	body := `{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "/api/billing/webhook", body, false)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := serve(h, http.MethodPost, "/api/billing/webhook", body, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	svc, h := newTestService(t, testConfig(t))
	require.NoError(t, svc.Store.CreateOrganization(context.Background(), &store.Organization{ID: "org_1", Name: "One"}))

	assert.Equal(t, http.StatusUnauthorized, serve(h, http.MethodGet, "/admin/billing/organizations/org_1", "", false).Code)
	assert.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/admin/billing/organizations/org_1", "", true).Code)

	rec := serve(h, http.MethodGet, "/admin/billing/conflicts", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "provider_not_configured")

	rec = serve(h, http.MethodPut, "/admin/billing/organizations/org_1/pending-agreement", `{"version":"2026-03"}`, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, testConfig(t))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
