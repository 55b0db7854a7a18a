// Package ledger mirrors one-off invoices and appends deduplicated revenue
// events. Ledger and invoice cache writes are derived data: their failures
// are logged, never returned to the webhook.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/cache"
	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/notify"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/rs/zerolog/log"
)

// DefaultMembershipPeriod is how long a subscription-less membership
// payment grants access when the invoice carries no usable period.
const DefaultMembershipPeriod = 365 * 24 * time.Hour

// MembershipMetadataKey marks a price or product as a membership on the
// provider side.
const MembershipMetadataKey = "membership"

// Policy decides which invoice lines grant a membership.
type Policy struct {
	// ProductIDs are membership products. A line whose price metadata sets
	// membership=true also qualifies.
	ProductIDs map[string]bool
	// DefaultPeriod applies when an invoice line has no period of its own.
	DefaultPeriod time.Duration
}

// Ledger handles invoice and charge events.
type Ledger struct {
	store    *store.Store
	linker   *linker.Linker
	policy   Policy
	cache    *cache.Scheduler
	notifier notify.Notifier
	now      func() time.Time
}

// New creates a Ledger.
func New(st *store.Store, l *linker.Linker, policy Policy, c *cache.Scheduler, n notify.Notifier) *Ledger {
	if policy.DefaultPeriod <= 0 {
		policy.DefaultPeriod = DefaultMembershipPeriod
	}
	if n == nil {
		n = notify.Nop{}
	}
	return &Ledger{store: st, linker: l, policy: policy, cache: c, notifier: n, now: time.Now}
}

// CacheInvoice upserts the local mirror of a one-off invoice. Subscription
// invoices are skipped. Failures are logged.
func (l *Ledger) CacheInvoice(ctx context.Context, inv events.Invoice, org *store.Organization) {
	if subID := inv.SubscriptionID(); subID != "" {
		log.Debug().Str("invoice_id", inv.ID).Str("subscription_id", subID).Msg("Skipping cache of subscription invoice")
		return
	}
	entry := &store.Invoice{
		StripeInvoiceID:  inv.ID,
		StripeCustomerID: inv.Customer.String(),
		Status:           inv.Status,
		AmountDue:        inv.AmountDue,
		AmountPaid:       inv.AmountPaid,
		Currency:         inv.Currency,
		Description:      inv.Description,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		InvoicePDF:       inv.InvoicePDF,
		DueDate:          inv.DueTime(),
	}
	if inv.Created > 0 {
		entry.CreatedAt = time.Unix(inv.Created, 0).UTC()
	}
	if org != nil {
		entry.OrganizationID = org.ID
	}
	if err := l.store.UpsertInvoice(ctx, entry); err != nil {
		log.Error().Err(err).Str("invoice_id", inv.ID).Msg("Failed to cache invoice")
		return
	}
	log.Debug().Str("invoice_id", inv.ID).Str("status", inv.Status).Msg("Invoice cached")
}

// InvoiceChanged handles the invoice lifecycle events.
func (l *Ledger) InvoiceChanged(ctx context.Context, ev events.InvoiceChanged) error {
	var org *store.Organization
	if ev.Invoice.SubscriptionID() == "" {
		var err error
		org, err = l.linker.Resolve(ctx, ev.Invoice.Customer.String())
		if err != nil {
			return fmt.Errorf("resolve organization for invoice %s: %w", ev.Invoice.ID, err)
		}
	}
	l.CacheInvoice(ctx, ev.Invoice, org)
	return nil
}

// PaymentSucceeded appends the payment to the ledger, refreshes the invoice
// mirror and, for a subscription-less membership invoice, activates the
// organization unless it is already active.
func (l *Ledger) PaymentSucceeded(ctx context.Context, ev events.PaymentSucceeded) error {
	inv := ev.Invoice
	customerID := inv.Customer.String()

	org, err := l.linker.Resolve(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resolve organization for invoice %s: %w", inv.ID, err)
	}
	l.CacheInvoice(ctx, inv, org)

	orgID := ""
	if org != nil {
		orgID = org.ID
	} else {
		log.Info().Str("invoice_id", inv.ID).Str("customer_id", customerID).Msg("Payment has no organization; recording unassociated revenue")
	}

	recorded := false
	if inv.AmountPaid > 0 {
		recorded = l.append(ctx, &store.RevenueEvent{
			OrganizationID:   orgID,
			StripeCustomerID: customerID,
			StripeExternalID: inv.ID,
			EventType:        store.RevenueEventPayment,
			Amount:           inv.AmountPaid,
			Currency:         inv.Currency,
			Description:      invoiceDescription(inv),
			OccurredAt:       occurredAt(ev.Created, inv.Created),
		})
	}

	if org == nil {
		return nil
	}

	if inv.SubscriptionID() == "" {
		if err := l.activateOneTime(ctx, org, inv, occurredAt(ev.Created, inv.Created)); err != nil {
			return err
		}
	}

	if !recorded {
		return nil
	}
	l.notifier.Notify(notify.Event{
		Kind: notify.KindPaymentSucceeded, OrganizationID: org.ID, OrganizationName: org.Name,
		CustomerID: customerID, Amount: inv.AmountPaid, Currency: inv.Currency, ReferenceID: inv.ID,
	})
	return nil
}

// PaymentFailed refreshes the invoice mirror and notifies operators.
func (l *Ledger) PaymentFailed(ctx context.Context, ev events.PaymentFailed) error {
	inv := ev.Invoice
	org, err := l.linker.Resolve(ctx, inv.Customer.String())
	if err != nil {
		return fmt.Errorf("resolve organization for invoice %s: %w", inv.ID, err)
	}
	l.CacheInvoice(ctx, inv, org)
	if org == nil {
		return nil
	}
	log.Warn().Str("organization_id", org.ID).Str("invoice_id", inv.ID).Msg("Invoice payment failed")
	l.notifier.Notify(notify.Event{
		Kind: notify.KindPaymentFailed, OrganizationID: org.ID, OrganizationName: org.Name,
		CustomerID: inv.Customer.String(), Amount: inv.AmountDue, Currency: inv.Currency, ReferenceID: inv.ID,
	})
	return nil
}

// ChargeRefunded appends a negative refund row keyed by the charge id.
func (l *Ledger) ChargeRefunded(ctx context.Context, ev events.ChargeRefunded) error {
	ch := ev.Charge
	customerID := ch.Customer.String()
	org, err := l.linker.Resolve(ctx, customerID)
	if err != nil {
		return fmt.Errorf("resolve organization for charge %s: %w", ch.ID, err)
	}
	if ch.AmountRefunded <= 0 {
		log.Info().Str("charge_id", ch.ID).Msg("Refund event with no refunded amount; ignoring")
		return nil
	}
	orgID := ""
	if org != nil {
		orgID = org.ID
	}
	desc := strings.TrimSpace(ch.Description)
	if desc == "" {
		desc = "Refund of charge " + ch.ID
	}
	l.append(ctx, &store.RevenueEvent{
		OrganizationID:   orgID,
		StripeCustomerID: customerID,
		StripeExternalID: ch.ID,
		EventType:        store.RevenueEventRefund,
		Amount:           -ch.AmountRefunded,
		Currency:         ch.Currency,
		Description:      desc,
		OccurredAt:       occurredAt(ev.Created, ch.Created),
	})
	return nil
}

func (l *Ledger) append(ctx context.Context, ev *store.RevenueEvent) bool {
	inserted, err := l.store.InsertRevenueEvent(ctx, ev)
	outcome := "inserted"
	switch {
	case err != nil:
		outcome = "error"
		log.Error().Err(err).
			Str("external_id", ev.StripeExternalID).
			Str("event_type", string(ev.EventType)).
			Msg("Failed to append revenue event")
	case !inserted:
		outcome = "duplicate"
		log.Debug().
			Str("external_id", ev.StripeExternalID).
			Str("event_type", string(ev.EventType)).
			Msg("Revenue event already recorded")
	default:
		log.Info().
			Str("organization_id", ev.OrganizationID).
			Str("external_id", ev.StripeExternalID).
			Str("event_type", string(ev.EventType)).
			Int64("amount", ev.Amount).
			Msg("Revenue event recorded")
	}
	bmetrics.LedgerWritesTotal.WithLabelValues(string(ev.EventType), outcome).Inc()
	return err == nil && inserted
}

func (l *Ledger) activateOneTime(ctx context.Context, org *store.Organization, inv events.Invoice, paidAt time.Time) error {
	line, ok := l.membershipLine(inv)
	if !ok {
		return nil
	}
	periodEnd := l.now().UTC().Add(l.policy.DefaultPeriod)
	if line.Period.End > line.Period.Start && line.Period.Start > 0 {
		periodEnd = time.Unix(line.Period.End, 0).UTC()
	}
	name := strings.TrimSpace(line.Description)
	if line.Price != nil && line.Price.Nickname != "" {
		name = line.Price.Nickname
	}

	changed, err := l.store.ActivateOneTimeMembership(ctx, org.ID, store.OneTimeMembership{
		ProductID:   line.ProductID(),
		ProductName: name,
		Amount:      inv.AmountPaid,
		Currency:    inv.Currency,
		PeriodEnd:   periodEnd,
		EventAt:     paidAt,
	})
	if err != nil {
		return fmt.Errorf("activate one-time membership for %s: %w", org.ID, err)
	}
	if !changed {
		log.Info().Str("organization_id", org.ID).Str("invoice_id", inv.ID).Msg("Organization already active; one-time membership payment leaves projection unchanged")
		return nil
	}
	log.Info().
		Str("organization_id", org.ID).
		Str("invoice_id", inv.ID).
		Time("period_end", periodEnd).
		Msg("Activated one-time membership")
	l.cache.Invalidate(org.ID)
	return nil
}

func (l *Ledger) membershipLine(inv events.Invoice) (events.InvoiceLine, bool) {
	for _, line := range inv.Lines.Data {
		if l.policy.ProductIDs[line.ProductID()] {
			return line, true
		}
		if line.Price != nil && strings.EqualFold(line.Price.Metadata[MembershipMetadataKey], "true") {
			return line, true
		}
		if strings.EqualFold(line.Metadata[MembershipMetadataKey], "true") {
			return line, true
		}
	}
	return events.InvoiceLine{}, false
}

func invoiceDescription(inv events.Invoice) string {
	if d := strings.TrimSpace(inv.Description); d != "" {
		return d
	}
	if len(inv.Lines.Data) > 0 {
		if d := strings.TrimSpace(inv.Lines.Data[0].Description); d != "" {
			return d
		}
	}
	return "Payment for invoice " + inv.ID
}

func occurredAt(eventCreated time.Time, objectCreated int64) time.Time {
	if !eventCreated.IsZero() {
		return eventCreated
	}
	if objectCreated > 0 {
		return time.Unix(objectCreated, 0).UTC()
	}
	return time.Time{}
}
