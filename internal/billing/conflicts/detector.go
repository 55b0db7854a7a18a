// Package conflicts detects divergence between stored customer links and
// provider-side organization tags, and applies operator resolutions.
package conflicts

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel provider calls during enrichment.
const DefaultConcurrency = 4

// RegistryKind classifies a registry conflict.
type RegistryKind string

const (
	// KindTagMismatch: a customer stored on organization A is tagged with
	// organization B.
	KindTagMismatch RegistryKind = "metadata_tag"
	// KindDuplicateClaim: several organizations store the same customer.
	KindDuplicateClaim RegistryKind = "duplicate_claim"
	// KindUnknownOrganization: a customer is tagged with an organization
	// that does not exist.
	KindUnknownOrganization RegistryKind = "unknown_organization"
)

// RegistryConflict is a customer claimed inconsistently by organizations.
type RegistryConflict struct {
	Kind                 RegistryKind `json:"kind"`
	CustomerID           string       `json:"customer_id"`
	OrganizationIDs      []string     `json:"organization_ids,omitempty"`
	TaggedOrganizationID string       `json:"tagged_organization_id,omitempty"`
}

// Activity is the financial footprint of one customer.
type Activity struct {
	CustomerID          string `json:"customer_id"`
	ActiveSubscriptions int    `json:"active_subscriptions"`
	OpenInvoices        int    `json:"open_invoices"`
	OpenInvoiceTotal    int64  `json:"open_invoice_total"`
	PaidInvoices        int    `json:"paid_invoices"`
	PaidInvoiceTotal    int64  `json:"paid_invoice_total"`
	HasActivity         bool   `json:"has_activity"`
	// Unknown is set when the provider could not be queried; such a
	// customer is treated as possibly active.
	Unknown bool   `json:"unknown,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Mismatch is an organization whose stored customer id differs from a
// customer tagged with that organization.
type Mismatch struct {
	OrganizationID   string     `json:"organization_id"`
	StoredCustomerID string     `json:"stored_customer_id,omitempty"`
	TaggedCustomerID string     `json:"tagged_customer_id"`
	StoredActivity   *Activity  `json:"stored_activity,omitempty"`
	TaggedActivity   *Activity  `json:"tagged_activity,omitempty"`
	Suggestion       Suggestion `json:"suggestion"`
}

// Report is the outcome of one scan.
type Report struct {
	Registry   []RegistryConflict `json:"registry_conflicts"`
	Mismatches []Mismatch         `json:"mismatches"`
}

// Detector scans the store and the provider for conflicts.
type Detector struct {
	store       *store.Store
	provider    provider.Provider
	concurrency int
}

// NewDetector creates a Detector. concurrency <= 0 uses DefaultConcurrency.
func NewDetector(st *store.Store, p provider.Provider, concurrency int) *Detector {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Detector{store: st, provider: p, concurrency: concurrency}
}

// Scan walks every provider customer once and compares its organization
// tag with the stored links. Mismatches are enriched with activity signals
// and a suggested action when enrich is set.
func (d *Detector) Scan(ctx context.Context, enrich bool) (*Report, error) {
	const op = "scan_conflicts"
	if d.provider == nil {
		return nil, billingerrors.New(billingerrors.KindProviderNotConfigured, op, "billing provider is not configured")
	}

	linked, err := d.store.ListLinkedOrganizations(ctx)
	if err != nil {
		return nil, err
	}
	byCustomer := make(map[string][]*store.Organization)
	byID := make(map[string]*store.Organization, len(linked))
	for _, org := range linked {
		byCustomer[org.StripeCustomerID] = append(byCustomer[org.StripeCustomerID], org)
		byID[org.ID] = org
	}

	report := &Report{Registry: []RegistryConflict{}, Mismatches: []Mismatch{}}
	scanned := 0
	for customer, err := range d.provider.ListCustomers(ctx) {
		if err != nil {
			return nil, fmt.Errorf("list customers: %w", err)
		}
		scanned++
		tagged := customer.OrganizationID()
		if tagged == "" {
			continue
		}

		var others []string
		for _, holder := range byCustomer[customer.ID] {
			if holder.ID != tagged {
				others = append(others, holder.ID)
			}
		}
		if len(others) > 0 {
			report.Registry = append(report.Registry, RegistryConflict{
				Kind:                 KindTagMismatch,
				CustomerID:           customer.ID,
				OrganizationIDs:      others,
				TaggedOrganizationID: tagged,
			})
		}

		org, ok := byID[tagged]
		if !ok {
			org, err = d.store.GetOrganization(ctx, tagged)
			if err != nil {
				return nil, err
			}
		}
		if org == nil {
			report.Registry = append(report.Registry, RegistryConflict{
				Kind:                 KindUnknownOrganization,
				CustomerID:           customer.ID,
				OrganizationIDs:      others,
				TaggedOrganizationID: tagged,
			})
			continue
		}
		if org.StripeCustomerID != customer.ID {
			report.Mismatches = append(report.Mismatches, Mismatch{
				OrganizationID:   org.ID,
				StoredCustomerID: org.StripeCustomerID,
				TaggedCustomerID: customer.ID,
			})
		}
	}

	claims, err := d.store.DuplicateCustomerClaims(ctx)
	if err != nil {
		return nil, err
	}
	dupes := make([]string, 0, len(claims))
	for customerID := range claims {
		dupes = append(dupes, customerID)
	}
	sort.Strings(dupes)
	for _, customerID := range dupes {
		report.Registry = append(report.Registry, RegistryConflict{
			Kind:            KindDuplicateClaim,
			CustomerID:      customerID,
			OrganizationIDs: claims[customerID],
		})
	}

	if enrich && len(report.Mismatches) > 0 {
		if err := d.enrich(ctx, report.Mismatches); err != nil {
			return nil, err
		}
	}

	bmetrics.ConflictsDetected.WithLabelValues("registry").Set(float64(len(report.Registry)))
	bmetrics.ConflictsDetected.WithLabelValues("mismatch").Set(float64(len(report.Mismatches)))
	log.Info().
		Int("customers", scanned).
		Int("registry_conflicts", len(report.Registry)).
		Int("mismatches", len(report.Mismatches)).
		Msg("Conflict scan complete")
	return report, nil
}

// enrich computes activity for every distinct candidate customer with at
// most d.concurrency provider calls in flight.
func (d *Detector) enrich(ctx context.Context, mismatches []Mismatch) error {
	ids := make(map[string]struct{})
	for _, m := range mismatches {
		ids[m.TaggedCustomerID] = struct{}{}
		if m.StoredCustomerID != "" {
			ids[m.StoredCustomerID] = struct{}{}
		}
	}

	var mu sync.Mutex
	activity := make(map[string]*Activity, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for id := range ids {
		g.Go(func() error {
			a, err := CustomerActivity(gctx, d.provider, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn().Err(err).Str("customer_id", id).Msg("Failed to load customer activity")
				a = &Activity{CustomerID: id, Unknown: true, Error: err.Error()}
			}
			mu.Lock()
			activity[id] = a
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range mismatches {
		m := &mismatches[i]
		m.TaggedActivity = activity[m.TaggedCustomerID]
		if m.StoredCustomerID != "" {
			m.StoredActivity = activity[m.StoredCustomerID]
		}
		m.Suggestion = Suggest(m.StoredCustomerID, m.StoredActivity, m.TaggedCustomerID, m.TaggedActivity)
	}
	return nil
}

// CustomerActivity counts the live subscriptions and open and paid invoices
// of a customer. A customer unknown to the provider has no activity.
func CustomerActivity(ctx context.Context, p provider.Provider, customerID string) (*Activity, error) {
	a := &Activity{CustomerID: customerID}
	for sub, err := range p.ListSubscriptions(ctx, customerID) {
		if err != nil {
			if stderrors.Is(err, billingerrors.ErrNotFound) {
				return a, nil
			}
			return nil, fmt.Errorf("list subscriptions: %w", err)
		}
		if sub.Live() {
			a.ActiveSubscriptions++
		}
	}
	for inv, err := range p.ListInvoices(ctx, customerID) {
		if err != nil {
			if stderrors.Is(err, billingerrors.ErrNotFound) {
				break
			}
			return nil, fmt.Errorf("list invoices: %w", err)
		}
		switch inv.Status {
		case "open":
			a.OpenInvoices++
			a.OpenInvoiceTotal += inv.AmountDue
		case "paid":
			a.PaidInvoices++
			a.PaidInvoiceTotal += inv.AmountPaid
		}
	}
	a.HasActivity = a.ActiveSubscriptions > 0 || a.OpenInvoices > 0 || a.PaidInvoices > 0
	return a, nil
}

// active reports whether a may represent financial activity.
func (a *Activity) active() bool {
	return a != nil && (a.HasActivity || a.Unknown)
}
