package linker

import (
	"context"
	"testing"

	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/provider/providertest"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLinker(t *testing.T) (*Linker, *store.Store, *providertest.Fake) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	fake := providertest.New()
	return New(st, fake, nil), st, fake
}

func createOrg(t *testing.T, st *store.Store, id, customerID string) {
	t.Helper()
	if err := st.CreateOrganization(context.Background(), &store.Organization{ID: id, Name: id, StripeCustomerID: customerID}); err != nil {
		t.Fatalf("create org %s: %v", id, err)
	}
}

func TestResolvePrimaryLinkSkipsProvider(t *testing.T) {
	l, st, fake := newTestLinker(t)
	createOrg(t, st, "org_1", "cus_1")

	org, err := l.Resolve(context.Background(), "cus_1")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "org_1", org.ID)
	assert.Zero(t, fake.CallCount("GetCustomer"))
}

func TestResolveHealsFromMetadata(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "")
	fake.AddCustomer("cus_1", "owner@example.com", "org_1")

	org, err := l.Resolve(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "org_1", org.ID)

	stored, err := st.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", stored.StripeCustomerID)

	// Second resolution uses the healed primary link.
	_, err = l.Resolve(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.CallCount("GetCustomer"))
}

func TestResolveDoesNotOverwriteDifferentLink(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "cus_existing")
	fake.AddCustomer("cus_new", "", "org_1")

	org, err := l.Resolve(ctx, "cus_new")
	require.NoError(t, err)
	assert.Nil(t, org)

	stored, err := st.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", stored.StripeCustomerID)
}

func TestResolveUnresolved(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "")
	fake.AddCustomer("cus_untagged", "", "")
	fake.AddCustomer("cus_ghost", "", "org_missing")

	for _, id := range []string{"cus_untagged", "cus_ghost", "cus_unknown", ""} {
		org, err := l.Resolve(ctx, id)
		require.NoError(t, err, id)
		assert.Nil(t, org, id)
	}
}

func TestResolveWithoutProvider(t *testing.T) {
	_, st, _ := newTestLinker(t)
	l := New(st, nil, nil)
	createOrg(t, st, "org_1", "cus_1")

	org, err := l.Resolve(context.Background(), "cus_1")
	require.NoError(t, err)
	require.NotNil(t, org)

	org, err = l.Resolve(context.Background(), "cus_2")
	require.NoError(t, err)
	assert.Nil(t, org)

	_, err = l.Link(context.Background(), "org_1", "cus_2", LinkOptions{})
	assert.ErrorIs(t, err, billingerrors.ErrProviderNotConfigured)
}

func TestLinkRequiresForceToReplace(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "cus_old")
	fake.AddCustomer("cus_old", "", "org_1")
	fake.AddCustomer("cus_new", "", "")

	_, err := l.Link(ctx, "org_1", "cus_new", LinkOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, billingerrors.ErrLinkAlreadyExists)
	assert.Equal(t, 409, billingerrors.HTTPStatus(err))

	res, err := l.Link(ctx, "org_1", "cus_new", LinkOptions{Force: true, Actor: Actor{ID: "alice", ClientIP: "192.0.2.1"}})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Forced)
	assert.Equal(t, "cus_old", res.PreviousCustomerID)
	assert.Equal(t, "cus_new", res.Organization.StripeCustomerID)

	assert.Equal(t, "org_1", fake.Customer("cus_new").OrganizationID())
	assert.Equal(t, "", fake.Customer("cus_old").OrganizationID(), "previous customer tag must be cleared")

	entries, err := st.ListAudit(ctx, "org_1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditActionForceLink, entries[0].Action)
	assert.Equal(t, "cus_old", entries[0].PreviousCustomerID)
	assert.Equal(t, "alice", entries[0].Actor)
}

func TestLinkRefusesCustomerClaimedElsewhere(t *testing.T) {
	l, st, fake := newTestLinker(t)
	createOrg(t, st, "org_1", "")
	createOrg(t, st, "org_2", "cus_1")
	fake.AddCustomer("cus_1", "", "org_2")

	_, err := l.Link(context.Background(), "org_1", "cus_1", LinkOptions{Force: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, billingerrors.ErrLinkAlreadyExists)
	assert.Contains(t, billingerrors.Detail(err), "org_2")
}

func TestLinkIsIdempotent(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "")
	fake.AddCustomer("cus_1", "", "")

	res, err := l.Link(ctx, "org_1", "cus_1", LinkOptions{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Forced)

	res, err = l.Link(ctx, "org_1", "cus_1", LinkOptions{})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, fake.CallCount("UpdateCustomerMetadata"))
}

func TestLinkUnknownOrganization(t *testing.T) {
	l, _, fake := newTestLinker(t)
	fake.AddCustomer("cus_1", "", "")

	_, err := l.Link(context.Background(), "org_missing", "cus_1", LinkOptions{})
	assert.ErrorIs(t, err, billingerrors.ErrNotFound)
}

func TestUnlinkClearsLinkAndAudits(t *testing.T) {
	l, st, fake := newTestLinker(t)
	ctx := context.Background()
	createOrg(t, st, "org_1", "cus_1")
	fake.AddCustomer("cus_1", "", "org_1")

	previous, warnings, err := l.Unlink(ctx, "org_1", UnlinkOptions{ClearProviderTag: true, Actor: Actor{ID: "bob"}})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "cus_1", previous)

	org, err := st.GetOrganization(ctx, "org_1")
	require.NoError(t, err)
	assert.Empty(t, org.StripeCustomerID)
	assert.Empty(t, fake.Customer("cus_1").Metadata[provider.OrganizationMetadataKey])

	entries, err := st.ListAudit(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditActionUnlink, entries[0].Action)
	assert.Equal(t, store.AuditActionMetadataUpdate, entries[1].Action)

	// Unlinking again is a no-op.
	previous, _, err = l.Unlink(ctx, "org_1", UnlinkOptions{})
	require.NoError(t, err)
	assert.Empty(t, previous)
}

func TestClearTagIfNamesLeavesOtherTags(t *testing.T) {
	l, _, fake := newTestLinker(t)
	fake.AddCustomer("cus_1", "", "org_other")

	assert.Empty(t, l.ClearTagIfNames(context.Background(), "cus_1", "org_1"))
	assert.Equal(t, "org_other", fake.Customer("cus_1").OrganizationID())
	assert.Zero(t, fake.CallCount("UpdateCustomerMetadata"))
}
