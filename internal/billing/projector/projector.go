// Package projector keeps the denormalized subscription snapshot on each
// organization in step with provider subscription events.
package projector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/cache"
	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/notify"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/rs/zerolog/log"
)

// Result reports what a projection did.
type Result struct {
	// Organization is nil when the customer resolved to no organization.
	Organization *store.Organization
	// Applied is false when the snapshot was older than the stored one or
	// belonged to a subscription the organization no longer tracks.
	Applied bool
}

// Projector applies subscription events to organizations.
type Projector struct {
	store    *store.Store
	linker   *linker.Linker
	provider provider.Provider
	cache    *cache.Scheduler
	notifier notify.Notifier
}

// New creates a Projector. p is used only to look up product names and may
// be nil.
func New(st *store.Store, l *linker.Linker, p provider.Provider, c *cache.Scheduler, n notify.Notifier) *Projector {
	if n == nil {
		n = notify.Nop{}
	}
	return &Projector{store: st, linker: l, provider: p, cache: c, notifier: n}
}

// Apply resolves the subscription's organization and upserts the snapshot.
// Replaying the same event yields the same snapshot; an event older than the
// stored snapshot is ignored.
func (p *Projector) Apply(ctx context.Context, ev events.SubscriptionChanged) (*Result, error) {
	sub := ev.Subscription
	customerID := sub.Customer.String()

	org, err := p.linker.Resolve(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("resolve organization for subscription %s: %w", sub.ID, err)
	}
	if org == nil {
		log.Info().
			Str("subscription_id", sub.ID).
			Str("customer_id", customerID).
			Str("event_id", ev.ID).
			Msg("Subscription event has no organization; skipping projection")
		return &Result{}, nil
	}

	snap := p.snapshot(ctx, ev)
	replay := org.StripeSubscriptionID == snap.SubscriptionID &&
		org.SubscriptionStatus == snap.Status &&
		org.SubscriptionEventAt != nil && org.SubscriptionEventAt.Equal(snap.EventAt)
	// A delete only lands on the organization when it still tracks that
	// subscription; a stale delete must not clobber a newer subscription.
	sameSubscriptionOnly := ev.Action == events.SubscriptionDeleted
	applied, err := p.store.ApplySubscriptionSnapshot(ctx, org.ID, snap, sameSubscriptionOnly)
	if err != nil {
		return nil, fmt.Errorf("project subscription %s onto %s: %w", sub.ID, org.ID, err)
	}
	if !applied {
		log.Info().
			Str("organization_id", org.ID).
			Str("subscription_id", sub.ID).
			Str("event_id", ev.ID).
			Str("type", ev.Type).
			Msg("Subscription snapshot not applied (older event or different subscription)")
		return &Result{Organization: org, Applied: false}, nil
	}

	log.Info().
		Str("organization_id", org.ID).
		Str("subscription_id", sub.ID).
		Str("status", snap.Status).
		Str("event_id", ev.ID).
		Msg("Subscription snapshot projected")

	p.cache.Invalidate(org.ID)
	if !replay {
		p.notify(ev, org, snap)
	}

	updated, err := p.store.GetOrganization(ctx, org.ID)
	if err != nil {
		return nil, fmt.Errorf("reload organization: %w", err)
	}
	return &Result{Organization: updated, Applied: true}, nil
}

func (p *Projector) notify(ev events.SubscriptionChanged, org *store.Organization, snap store.SubscriptionSnapshot) {
	customerID := ev.Subscription.Customer.String()
	switch ev.Action {
	case events.SubscriptionCreated:
		p.notifier.Notify(notify.Event{
			Kind: notify.KindNewSubscription, OrganizationID: org.ID, OrganizationName: org.Name,
			CustomerID: customerID, ProductName: snap.ProductName, Amount: derefInt64(snap.Amount),
			Currency: snap.Currency, ReferenceID: ev.Subscription.ID,
		})
	case events.SubscriptionDeleted:
		p.notifier.Notify(notify.Event{
			Kind: notify.KindSubscriptionCancelled, OrganizationID: org.ID, OrganizationName: org.Name,
			CustomerID: customerID, ProductName: snap.ProductName, ReferenceID: ev.Subscription.ID,
		})
	}
}

func (p *Projector) snapshot(ctx context.Context, ev events.SubscriptionChanged) store.SubscriptionSnapshot {
	sub := ev.Subscription
	snap := store.SubscriptionSnapshot{
		SubscriptionID:   sub.ID,
		Status:           sub.Status,
		CurrentPeriodEnd: sub.PeriodEnd(),
		CanceledAt:       sub.CanceledTime(),
		EventAt:          ev.Created,
		EventRank:        actionRank(ev.Action),
	}
	if snap.EventAt.IsZero() {
		snap.EventAt = time.Now().UTC()
	}
	if ev.Action == events.SubscriptionDeleted && snap.Status == "" {
		snap.Status = "canceled"
	}
	if price := sub.PrimaryPrice(); price != nil {
		snap.ProductID = price.Product.String()
		snap.Amount = price.UnitAmount
		snap.Currency = strings.ToLower(price.Currency)
		snap.ProductName = p.productName(ctx, snap.ProductID, price.Nickname)
	}
	return snap
}

func (p *Projector) productName(ctx context.Context, productID, fallback string) string {
	if productID == "" || p.provider == nil {
		return fallback
	}
	product, err := p.provider.GetProduct(ctx, productID)
	if err != nil {
		log.Warn().Err(err).Str("product_id", productID).Msg("Failed to look up product name")
		return fallback
	}
	return product.Name
}

// actionRank orders events created in the same second. The provider emits
// them in lifecycle order, so a later lifecycle step wins a tie.
func actionRank(action events.SubscriptionAction) int {
	switch action {
	case events.SubscriptionCreated:
		return 1
	case events.SubscriptionUpdated:
		return 2
	case events.SubscriptionDeleted:
		return 3
	default:
		return 0
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
