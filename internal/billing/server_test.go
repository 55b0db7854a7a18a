package billing

import (
	"context"
	"testing"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oneOffPayment(invoiceID, productID string) events.PaymentSucceeded {
	inv := events.Invoice{
		ID:         invoiceID,
		Customer:   events.ExpandableID("cus_1"),
		Status:     "paid",
		AmountDue:  9900,
		AmountPaid: 9900,
		Currency:   "usd",
		Created:    1700000000,
	}
	inv.Lines.Data = []events.InvoiceLine{{
		ID:          "il_1",
		Description: "Membership",
		Price:       &events.Price{ID: "price_1", Product: events.ExpandableID(productID)},
	}}
	return events.PaymentSucceeded{
		Envelope: events.Envelope{ID: "evt_" + invoiceID, Type: "invoice.paid", Created: time.Unix(1700000100, 0).UTC()},
		Invoice:  inv,
	}
}

func TestNewServiceWiresMembershipProductIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.MembershipProductIDs = []string{"prod_member", "prod_patron"}
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.Store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))
	require.NoError(t, svc.Ledger.PaymentSucceeded(ctx, oneOffPayment("inv_patron", "prod_patron")))

	org, err := svc.Store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionStatusActive, org.SubscriptionStatus)
	assert.Equal(t, "prod_patron", org.SubscriptionProductID)
}

func TestNewServiceIgnoresUnconfiguredProducts(t *testing.T) {
	cfg := testConfig(t)
	cfg.MembershipProductIDs = []string{"prod_member"}
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()

	require.NoError(t, svc.Store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))
	require.NoError(t, svc.Ledger.PaymentSucceeded(ctx, oneOffPayment("inv_mug", "prod_mug")))

	org, err := svc.Store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Empty(t, org.SubscriptionStatus)
}
