package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/agreement"
	"github.com/rcourtman/membership-billing/internal/billing/directory"
	"github.com/rcourtman/membership-billing/internal/billing/ledger"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/projector"
	"github.com/rcourtman/membership-billing/internal/billing/provider/providertest"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

type harness struct {
	handler   *Handler
	store     *store.Store
	provider  *providertest.Fake
	directory *directory.Static
}

func newHarness(t *testing.T, secret string) *harness {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	fake := providertest.New()
	dir := directory.NewStatic()
	l := linker.New(st, fake, nil)
	h := NewHandler(secret, 0,
		projector.New(st, l, fake, nil, nil),
		ledger.New(st, l, ledger.Policy{}, nil, nil),
		agreement.NewRecorder(st, dir, fake, ""),
	)
	return &harness{handler: h, store: st, provider: fake, directory: dir}
}

func eventJSON(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	require.NoError(t, err)
	return body
}

func signedRequest(t *testing.T, secret string, payload []byte, ts time.Time) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: ts,
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (h *harness) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signedRequest(t, testSecret, payload, time.Now()))
	return rec
}

func subscriptionObject(subID, customerID, status string) map[string]any {
	return map[string]any{
		"id":       subID,
		"object":   "subscription",
		"customer": customerID,
		"status":   status,
		"items": map[string]any{"data": []any{
			map[string]any{
				"id":                 "si_1",
				"current_period_end": time.Now().Add(30 * 24 * time.Hour).Unix(),
				"price": map[string]any{
					"id": "price_1", "product": "prod_1", "unit_amount": 1500, "currency": "usd", "nickname": "Monthly",
				},
			},
		}},
		"metadata": map[string]any{},
	}
}

func TestSubscriptionCreatedEndToEnd(t *testing.T) {
	h := newHarness(t, testSecret)
	ctx := context.Background()
	require.NoError(t, h.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", Name: "Org One"}))
	require.NoError(t, h.store.PublishAgreement(ctx, agreement.DefaultType, "2026-01", time.Unix(100, 0)))
	h.provider.AddCustomer("cus_1", "owner@example.com", "org_1")
	h.provider.AddSubscription("cus_1", "sub_1", "active")
	h.provider.AddProduct("prod_1", "Membership", nil)
	h.directory.AddUser(directory.User{ID: "user_1", Email: "owner@example.com"})

	rec := h.deliver(t, eventJSON(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "cus_1", "active")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	org, err := h.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", org.StripeCustomerID)
	assert.Equal(t, "active", org.SubscriptionStatus)
	assert.Equal(t, "Membership", org.SubscriptionProductName)
	assert.Equal(t, "2026-01", org.AgreementVersion)

	accs, err := h.store.ListAgreementAcceptances(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, "user_1", accs[0].UserID)
	assert.Equal(t, "2026-01", accs[0].AgreementVersion)

	// Redelivery is a no-op.
	rec = h.deliver(t, eventJSON(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "cus_1", "active")))
	require.Equal(t, http.StatusOK, rec.Code)
	accs, err = h.store.ListAgreementAcceptances(ctx, "org_1")
	require.NoError(t, err)
	assert.Len(t, accs, 1)
}

func TestAgreementFailureRequestsRetry(t *testing.T) {
	h := newHarness(t, testSecret)
	ctx := context.Background()
	require.NoError(t, h.store.CreateOrganization(ctx, &store.Organization{ID: "org_1"}))
	require.NoError(t, h.store.PublishAgreement(ctx, agreement.DefaultType, "v1", time.Unix(100, 0)))
	// No email and no directory entry: the subscriber cannot be identified.
	h.provider.AddCustomer("cus_1", "", "org_1")

	rec := h.deliver(t, eventJSON(t, "evt_1", "customer.subscription.created", subscriptionObject("sub_1", "cus_1", "active")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"processing failed"}`, rec.Body.String())

	// The projection itself went through; only the acceptance is missing.
	org, err := h.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", org.StripeCustomerID)
}

func TestInvoicePaidRedeliveryWritesOneLedgerRow(t *testing.T) {
	h := newHarness(t, testSecret)
	ctx := context.Background()
	require.NoError(t, h.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	payload := eventJSON(t, "evt_paid", "invoice.paid", map[string]any{
		"id": "inv_1", "object": "invoice", "customer": "cus_1", "status": "paid",
		"amount_due": 2500, "amount_paid": 2500, "currency": "usd", "subscription": "sub_1",
		"created": time.Now().Unix(),
	})
	for i := 0; i < 2; i++ {
		rec := h.deliver(t, payload)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rows, err := h.store.ListRevenueEvents(ctx, "inv_1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2500), rows[0].Amount)
	assert.Equal(t, "org_1", rows[0].OrganizationID)
}

func TestSignatureFailures(t *testing.T) {
	h := newHarness(t, testSecret)
	payload := eventJSON(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})

	tests := []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{
			name: "missing header",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
			},
			status: http.StatusBadRequest,
		},
		{
			name: "malformed header",
			req: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(payload))
				req.Header.Set("Stripe-Signature", "garbage")
				return req
			},
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong secret",
			req:    func() *http.Request { return signedRequest(t, "whsec_other", payload, time.Now()) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "stale timestamp",
			req:    func() *http.Request { return signedRequest(t, testSecret, payload, time.Now().Add(-time.Hour)) },
			status: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, tt.req())
			if rec.Code != tt.status {
				t.Fatalf("status=%d, want=%d, body=%q", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	h := newHarness(t, testSecret)
	rec := h.deliver(t, eventJSON(t, "evt_1", "customer.subscription.updated", map[string]any{"status": "active"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnhandledTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t, testSecret)
	rec := h.deliver(t, eventJSON(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"}))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevelopmentModeAcceptsUnsignedDeliveries(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	require.NoError(t, h.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook",
		bytes.NewReader(eventJSON(t, "evt_1", "customer.subscription.updated", subscriptionObject("sub_1", "cus_1", "past_due"))))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	org, err := h.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "past_due", org.SubscriptionStatus)
}

func TestRejectsNonPost(t *testing.T) {
	h := newHarness(t, testSecret)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
