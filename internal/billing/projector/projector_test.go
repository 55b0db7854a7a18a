package projector

import (
	"context"
	"testing"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/notify"
	"github.com/rcourtman/membership-billing/internal/billing/provider/providertest"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct{ events []notify.Event }

func (r *recordingNotifier) Notify(ev notify.Event) { r.events = append(r.events, ev) }

type fixture struct {
	projector *Projector
	store     *store.Store
	provider  *providertest.Fake
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := providertest.New()
	fake.AddProduct("prod_member", "Annual Membership", nil)
	n := &recordingNotifier{}
	return &fixture{
		projector: New(st, linker.New(st, fake, nil), fake, nil, n),
		store:     st,
		provider:  fake,
		notifier:  n,
	}
}

func subscriptionEvent(action events.SubscriptionAction, subID, customerID, status string, created int64) events.SubscriptionChanged {
	amount := int64(12000)
	sub := events.Subscription{
		ID:       subID,
		Customer: events.ExpandableID(customerID),
		Status:   status,
	}
	sub.Items.Data = []events.SubscriptionItem{{
		CurrentPeriodEnd: 1800000000,
		Price: events.Price{
			ID: "price_1", Product: "prod_member", UnitAmount: &amount, Currency: "USD",
		},
	}}
	return events.SubscriptionChanged{
		Envelope:     events.Envelope{ID: "evt_" + subID, Type: "customer.subscription." + string(action), Created: time.Unix(created, 0).UTC()},
		Action:       action,
		Subscription: sub,
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	ev := subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "active", 1000)
	first, err := f.projector.Apply(ctx, ev)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := f.projector.Apply(ctx, ev)
	require.NoError(t, err)
	require.True(t, second.Applied)

	a, b := first.Organization, second.Organization
	assert.Equal(t, a.SubscriptionStatus, b.SubscriptionStatus)
	assert.Equal(t, a.SubscriptionProductID, b.SubscriptionProductID)
	assert.Equal(t, a.SubscriptionProductName, b.SubscriptionProductName)
	assert.Equal(t, *a.SubscriptionAmount, *b.SubscriptionAmount)
	assert.Equal(t, a.SubscriptionCurrency, b.SubscriptionCurrency)
	assert.Equal(t, *a.SubscriptionCurrentPeriodEnd, *b.SubscriptionCurrentPeriodEnd)
	assert.Equal(t, *a.SubscriptionEventAt, *b.SubscriptionEventAt)

	assert.Equal(t, "active", b.SubscriptionStatus)
	assert.Equal(t, "Annual Membership", b.SubscriptionProductName)
	assert.Equal(t, "usd", b.SubscriptionCurrency)
	assert.Equal(t, int64(12000), *b.SubscriptionAmount)
}

func TestApplyIgnoresOutOfOrderEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	_, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "past_due", 2000))
	require.NoError(t, err)

	res, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "active", 1000))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	org, err := f.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "past_due", org.SubscriptionStatus)
}

func TestApplySameSecondEventsFollowLifecycleOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	res, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "active", 1000))
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionCreated, "sub_1", "cus_1", "incomplete", 1000))
	require.NoError(t, err)
	assert.False(t, res.Applied, "created must not override an updated from the same second")

	org, err := f.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "active", org.SubscriptionStatus)
}

func TestApplyUpdateInSameSecondAsDeleteKeepsCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	_, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionCreated, "sub_1", "cus_1", "active", 1000))
	require.NoError(t, err)
	res, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionDeleted, "sub_1", "cus_1", "canceled", 2000))
	require.NoError(t, err)
	require.True(t, res.Applied)

	res, err = f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "active", 2000))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	// A later update cannot revive a canceled subscription either.
	res, err = f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_1", "active", 3000))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	org, err := f.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "canceled", org.SubscriptionStatus)
}

func TestApplySameSecondDeleteAfterCreateNotifiesCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	_, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionCreated, "sub_1", "cus_1", "active", 1000))
	require.NoError(t, err)
	res, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionDeleted, "sub_1", "cus_1", "canceled", 1000))
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "canceled", res.Organization.SubscriptionStatus)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, notify.KindSubscriptionCancelled, f.notifier.events[1].Kind)
}

func TestApplyDeleteSetsTerminalStatusAndKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	_, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionCreated, "sub_1", "cus_1", "active", 1000))
	require.NoError(t, err)

	del := subscriptionEvent(events.SubscriptionDeleted, "sub_1", "cus_1", "canceled", 2000)
	del.Subscription.CanceledAt = 1999
	res, err := f.projector.Apply(ctx, del)
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.Equal(t, "canceled", res.Organization.SubscriptionStatus)
	require.NotNil(t, res.Organization.SubscriptionCanceledAt)
	assert.Equal(t, int64(1999), res.Organization.SubscriptionCanceledAt.Unix())

	kinds := []notify.Kind{}
	for _, ev := range f.notifier.events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []notify.Kind{notify.KindNewSubscription, notify.KindSubscriptionCancelled}, kinds)
}

func TestApplyDeleteOfOtherSubscriptionIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	_, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionCreated, "sub_new", "cus_1", "active", 1000))
	require.NoError(t, err)

	res, err := f.projector.Apply(ctx, subscriptionEvent(events.SubscriptionDeleted, "sub_old", "cus_1", "canceled", 2000))
	require.NoError(t, err)
	assert.False(t, res.Applied)

	org, err := f.store.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "active", org.SubscriptionStatus)
	assert.Equal(t, "sub_new", org.StripeSubscriptionID)
}

func TestApplyReplayDoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateOrganization(ctx, &store.Organization{ID: "org_1", StripeCustomerID: "cus_1"}))

	ev := subscriptionEvent(events.SubscriptionCreated, "sub_1", "cus_1", "active", 1000)
	_, err := f.projector.Apply(ctx, ev)
	require.NoError(t, err)
	_, err = f.projector.Apply(ctx, ev)
	require.NoError(t, err)

	assert.Len(t, f.notifier.events, 1)
}

func TestApplyWithoutOrganization(t *testing.T) {
	f := newFixture(t)
	f.provider.AddCustomer("cus_anon", "", "")

	res, err := f.projector.Apply(context.Background(), subscriptionEvent(events.SubscriptionUpdated, "sub_1", "cus_anon", "active", 1000))
	require.NoError(t, err)
	assert.Nil(t, res.Organization)
	assert.False(t, res.Applied)
}
