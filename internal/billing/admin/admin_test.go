package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rcourtman/membership-billing/internal/billing/conflicts"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/provider/providertest"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

type testServer struct {
	mux      *http.ServeMux
	store    *store.Store
	provider *providertest.Fake
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := newTestStore(t)
	fake := providertest.New()
	l := linker.New(st, fake, nil)
	detector := conflicts.NewDetector(st, fake, 2)
	resolver := conflicts.NewResolver(st, fake, l, nil)

	auth := func(h http.Handler) http.Handler { return AdminKeyMiddleware(testAdminKey, h) }
	mux := http.NewServeMux()
	mux.Handle("/admin/billing/organizations/{organization_id}", auth(HandleGetOrganization(st)))
	mux.Handle("/admin/billing/organizations/{organization_id}/link", auth(HandleLink(l)))
	mux.Handle("/admin/billing/organizations/{organization_id}/pending-agreement", auth(HandleSetPendingAgreement(st)))
	mux.Handle("/admin/billing/conflicts", auth(HandleListConflicts(detector)))
	mux.Handle("/admin/billing/mismatches", auth(HandleListMismatches(detector)))
	mux.Handle("/admin/billing/conflicts/resolve", auth(HandleResolveConflict(resolver)))
	return &testServer{mux: mux, store: st, provider: fake}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Admin-Key", testAdminKey)
	req.Header.Set("X-Actor-ID", "ops@example.com")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAdminKeyMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := AdminKeyMiddleware(testAdminKey, next)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Admin-Key", "nope", http.StatusUnauthorized},
		{"header key", "X-Admin-Key", testAdminKey, http.StatusNoContent},
		{"bearer", "Authorization", "Bearer " + testAdminKey, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLinkAndUnlink(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", Name: "One"}))
	s.provider.AddCustomer("cus_1", "one@example.com", "")
	s.provider.AddCustomer("cus_2", "two@example.com", "")

	rec := s.do(t, http.MethodPost, "/admin/billing/organizations/org_1/link", map[string]any{"customer_id": "cus_1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "org_1", s.provider.Customer("cus_1").OrganizationID())

	rec = s.do(t, http.MethodPost, "/admin/billing/organizations/org_1/link", map[string]any{"customer_id": "cus_2"})
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "link_already_exists", body.Code)
	assert.NotEmpty(t, body.Detail)

	rec = s.do(t, http.MethodDelete, "/admin/billing/organizations/org_1/link", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cus_1", decode[unlinkResponse](t, rec).PreviousCustomerID)

	rec = s.do(t, http.MethodGet, "/admin/billing/organizations/org_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	org := decode[organizationResponse](t, rec)
	assert.Empty(t, org.Organization.StripeCustomerID)
	require.Len(t, org.Audit, 2)
	assert.Equal(t, store.AuditActionLink, org.Audit[0].Action)
	assert.Equal(t, store.AuditActionUnlink, org.Audit[1].Action)
	assert.Equal(t, "ops@example.com", org.Audit[1].Actor)
}

func TestLinkValidation(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/admin/billing/organizations/org_1/link", map[string]any{"force": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", decode[errorResponse](t, rec).Code)

	rec = s.do(t, http.MethodGet, "/admin/billing/organizations/org_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetPendingAgreement(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateOrganization(ctx, &store.Organization{ID: "org_1"}))

	rec := s.do(t, http.MethodPut, "/admin/billing/organizations/org_1/pending-agreement", map[string]any{"version": "2026-02"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	org, err := s.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "2026-02", org.PendingAgreementVersion)
	entries, err := s.store.ListAudit(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditActionPendingAgreement, entries[0].Action)
}

func TestConflictEndpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_a"}))
	s.provider.AddCustomer("cus_a", "a@example.com", "org_1")
	s.provider.AddSubscription("cus_a", "sub_a", "active")
	s.provider.AddCustomer("cus_b", "b@example.com", "org_1")
	s.provider.AddInvoice("cus_b", "in_b", "open", 1200)

	rec := s.do(t, http.MethodGet, "/admin/billing/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/admin/billing/mismatches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mismatches := decode[struct {
		Mismatches []conflicts.Mismatch `json:"mismatches"`
		Count      int                  `json:"count"`
	}](t, rec)
	require.Equal(t, 1, mismatches.Count)
	assert.Equal(t, conflicts.ActionManualReview, mismatches.Mismatches[0].Suggestion.Action)
	assert.False(t, mismatches.Mismatches[0].Suggestion.AutoResolve)

	rec = s.do(t, http.MethodPost, "/admin/billing/conflicts/resolve", map[string]any{
		"organization_id": "org_1", "customer_id": "cus_a", "action": "use_db", "losing_customer_id": "cus_b",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "manual_review", decode[errorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/admin/billing/conflicts/resolve", map[string]any{
		"organization_id": "org_1", "customer_id": "cus_a", "action": "use_db", "losing_customer_id": "cus_b",
		"delete_losing_customer": true, "force": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "unsafe_deletion", decode[errorResponse](t, rec).Code)
	assert.False(t, s.provider.Customer("cus_b").Deleted)

	rec = s.do(t, http.MethodPost, "/admin/billing/conflicts/resolve", map[string]any{
		"organization_id": "org_1", "customer_id": "cus_a", "action": "merge",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestHandleReadyz(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleReadyz(newTestStore(t))(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ready" {
		t.Fatalf("readyz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	HandleReadyz(nil)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz(nil) = %d, want 503", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateOrganization(ctx, &store.Organization{ID: "org_1"}))
	_, err := st.InsertRevenueEvent(ctx, &store.RevenueEvent{
		StripeExternalID: "in_1", EventType: store.RevenueEventPayment, Amount: 1000, Currency: "USD",
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	HandleStatus(st, "1.2.3")(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[statusResponse](t, rec)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 1, resp.TotalOrganizations)
	assert.Equal(t, 1, resp.ByStatus["none"])
	assert.Equal(t, int64(1000), resp.RevenueByCurrency["usd"])
}
