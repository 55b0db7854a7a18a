// Package linker maps provider customers to organizations. The stored
// customer id is the primary link; the organization tag in the customer's
// provider metadata is the secondary link used to heal a missing primary.
package linker

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/cache"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rs/zerolog/log"
)

// Outcome describes how Resolve found (or failed to find) an organization.
type Outcome string

const (
	OutcomePrimary    Outcome = "primary"
	OutcomeHealed     Outcome = "healed"
	OutcomeConflict   Outcome = "conflict"
	OutcomeUnresolved Outcome = "unresolved"
)

// Actor identifies who requested an administrative link change.
type Actor struct {
	ID       string
	ClientIP string
}

// LinkOptions controls Link.
type LinkOptions struct {
	// Force allows replacing an existing, different stored customer id.
	Force  bool
	Actor  Actor
	Reason string
}

// LinkResult reports what Link changed.
type LinkResult struct {
	Organization       *store.Organization `json:"organization"`
	PreviousCustomerID string              `json:"previous_customer_id,omitempty"`
	Changed            bool                `json:"changed"`
	Forced             bool                `json:"forced"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// UnlinkOptions controls Unlink.
type UnlinkOptions struct {
	// ClearProviderTag also removes the organization tag from the customer
	// when it still names this organization.
	ClearProviderTag bool
	Actor            Actor
	Reason           string
}

// Linker resolves and maintains customer to organization links.
type Linker struct {
	store    *store.Store
	provider provider.Provider
	cache    *cache.Scheduler
}

// New creates a Linker. p may be nil when no provider is configured: Resolve
// then only consults the stored link and administrative writes fail with
// ProviderNotConfigured.
func New(st *store.Store, p provider.Provider, c *cache.Scheduler) *Linker {
	return &Linker{store: st, provider: p, cache: c}
}

// Resolve returns the organization linked to customerID, healing the stored
// link from the customer's organization tag when the tagged organization has
// none. It returns (nil, nil) when no organization can be associated.
func (l *Linker) Resolve(ctx context.Context, customerID string) (*store.Organization, error) {
	org, outcome, err := l.resolve(ctx, customerID)
	if err != nil {
		return nil, err
	}
	bmetrics.LinkResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	return org, nil
}

func (l *Linker) resolve(ctx context.Context, customerID string) (*store.Organization, Outcome, error) {
	if customerID == "" {
		return nil, OutcomeUnresolved, nil
	}

	org, err := l.store.GetOrganizationByCustomerID(ctx, customerID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup organization by customer: %w", err)
	}
	if org != nil {
		return org, OutcomePrimary, nil
	}

	if l.provider == nil {
		log.Warn().Str("customer_id", customerID).Msg("No organization stores customer and provider is not configured; cannot heal")
		return nil, OutcomeUnresolved, nil
	}

	customer, err := l.provider.GetCustomer(ctx, customerID)
	if err != nil {
		if stderrors.Is(err, billingerrors.ErrNotFound) {
			log.Info().Str("customer_id", customerID).Msg("Customer not found in provider; event has no organization")
			return nil, OutcomeUnresolved, nil
		}
		return nil, "", fmt.Errorf("fetch customer for link heal: %w", err)
	}
	orgID := customer.OrganizationID()
	if orgID == "" || customer.Deleted {
		log.Info().Str("customer_id", customerID).Msg("Customer carries no organization tag; event has no organization")
		return nil, OutcomeUnresolved, nil
	}

	org, err = l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup tagged organization: %w", err)
	}
	if org == nil {
		log.Warn().Str("customer_id", customerID).Str("organization_id", orgID).Msg("Customer tag names an unknown organization")
		return nil, OutcomeUnresolved, nil
	}

	if org.StripeCustomerID == "" {
		applied, err := l.store.CompareAndSetCustomerID(ctx, org.ID, "", customerID)
		if err != nil {
			return nil, "", fmt.Errorf("heal organization link: %w", err)
		}
		if applied {
			org.StripeCustomerID = customerID
			log.Info().Str("customer_id", customerID).Str("organization_id", org.ID).Msg("Healed organization customer link from provider metadata")
			l.cache.Invalidate(org.ID)
			return org, OutcomeHealed, nil
		}
		// A concurrent delivery got there first.
		org, err = l.store.GetOrganization(ctx, org.ID)
		if err != nil {
			return nil, "", fmt.Errorf("reload organization: %w", err)
		}
		if org != nil && org.StripeCustomerID == customerID {
			return org, OutcomePrimary, nil
		}
	}

	stored := ""
	if org != nil {
		stored = org.StripeCustomerID
	}
	log.Warn().
		Str("customer_id", customerID).
		Str("organization_id", orgID).
		Str("stored_customer_id", stored).
		Msg("Customer tag names an organization linked to a different customer; not overwriting")
	return nil, OutcomeConflict, nil
}

// Link stores customerID on the organization and tags the customer with the
// organization id. Replacing a different existing link requires opts.Force;
// a forced replacement is audited with the previous id and the previous
// customer's tag is cleared when it still names this organization.
func (l *Linker) Link(ctx context.Context, orgID, customerID string, opts LinkOptions) (*LinkResult, error) {
	const op = "link_customer"
	if orgID == "" || customerID == "" {
		return nil, billingerrors.New(billingerrors.KindInvalidInput, op, "organization_id and customer_id are required")
	}
	if l.provider == nil {
		return nil, billingerrors.New(billingerrors.KindProviderNotConfigured, op, "billing provider is not configured")
	}

	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("lookup organization: %w", err)
	}
	if org == nil {
		return nil, billingerrors.New(billingerrors.KindNotFound, op, fmt.Sprintf("organization %s does not exist", orgID))
	}
	if err := l.CheckLinkable(ctx, org, customerID, opts.Force); err != nil {
		return nil, err
	}

	customer, err := l.provider.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("fetch customer: %w", err)
	}
	if customer.Deleted {
		return nil, billingerrors.New(billingerrors.KindInvalidInput, op, fmt.Sprintf("customer %s is deleted in the provider", customerID))
	}

	result := &LinkResult{Organization: org, PreviousCustomerID: org.StripeCustomerID}
	if org.StripeCustomerID != customerID {
		previous := org.StripeCustomerID
		var applied bool
		if previous == "" {
			applied, err = l.store.CompareAndSetCustomerID(ctx, org.ID, "", customerID)
		} else {
			applied, err = l.store.ReplaceCustomerLink(ctx, org.ID, previous, customerID)
		}
		if err != nil {
			return nil, err
		}
		if !applied {
			return nil, billingerrors.New(billingerrors.KindLinkAlreadyExists, op, "organization link changed concurrently; retry")
		}
		result.Changed = true
		result.Forced = previous != ""

		action := store.AuditActionLink
		if result.Forced {
			action = store.AuditActionForceLink
			log.Warn().
				Str("organization_id", org.ID).
				Str("customer_id", customerID).
				Str("previous_customer_id", previous).
				Str("actor", opts.Actor.ID).
				Msg("Forced replacement of organization customer link")
		}
		l.audit(ctx, &store.AuditEntry{
			Action: action, OrganizationID: org.ID, CustomerID: customerID,
			PreviousCustomerID: previous, Actor: opts.Actor.ID, ClientIP: opts.Actor.ClientIP, Detail: opts.Reason,
		})
	}

	if customer.OrganizationID() != org.ID {
		if err := l.provider.UpdateCustomerMetadata(ctx, customerID, map[string]string{provider.OrganizationMetadataKey: org.ID}); err != nil {
			log.Warn().Err(err).Str("customer_id", customerID).Msg("Failed to tag customer with organization id")
			result.Warnings = append(result.Warnings, "customer metadata tag not updated: "+err.Error())
		}
	}

	if result.Forced {
		if warn := l.ClearTagIfNames(ctx, result.PreviousCustomerID, org.ID); warn != "" {
			result.Warnings = append(result.Warnings, warn)
		}
	}

	updated, err := l.store.GetOrganization(ctx, org.ID)
	if err == nil && updated != nil {
		result.Organization = updated
	}
	l.cache.Invalidate(org.ID)
	return result, nil
}

// CheckLinkable verifies, without writing, that customerID may be stored on
// org: no other organization may already claim the customer, and a
// different existing link needs force.
func (l *Linker) CheckLinkable(ctx context.Context, org *store.Organization, customerID string, force bool) error {
	const op = "link_customer"
	claims, err := l.store.ListOrganizationsByCustomerID(ctx, customerID)
	if err != nil {
		return err
	}
	for _, other := range claims {
		if other.ID != org.ID {
			return billingerrors.New(billingerrors.KindLinkAlreadyExists, op,
				fmt.Sprintf("customer %s is linked to organization %s; unlink it first", customerID, other.ID))
		}
	}
	if org.StripeCustomerID != "" && org.StripeCustomerID != customerID && !force {
		return billingerrors.New(billingerrors.KindLinkAlreadyExists, op,
			fmt.Sprintf("organization %s is linked to customer %s; pass force to replace", org.ID, org.StripeCustomerID))
	}
	return nil
}

// Unlink clears the organization's stored customer id and subscription
// snapshot, and records an audit entry. It returns the customer id that was
// unlinked ("" when the organization had none).
func (l *Linker) Unlink(ctx context.Context, orgID string, opts UnlinkOptions) (string, []string, error) {
	const op = "unlink_customer"
	org, err := l.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", nil, fmt.Errorf("lookup organization: %w", err)
	}
	if org == nil {
		return "", nil, billingerrors.New(billingerrors.KindNotFound, op, fmt.Sprintf("organization %s does not exist", orgID))
	}
	if org.StripeCustomerID == "" {
		return "", nil, nil
	}
	if opts.ClearProviderTag && l.provider == nil {
		return "", nil, billingerrors.New(billingerrors.KindProviderNotConfigured, op, "billing provider is not configured")
	}

	previous := org.StripeCustomerID
	if err := l.store.ClearBillingLink(ctx, org.ID); err != nil {
		return "", nil, err
	}
	l.audit(ctx, &store.AuditEntry{
		Action: store.AuditActionUnlink, OrganizationID: org.ID, PreviousCustomerID: previous,
		Actor: opts.Actor.ID, ClientIP: opts.Actor.ClientIP, Detail: opts.Reason,
	})
	log.Info().Str("organization_id", org.ID).Str("previous_customer_id", previous).Str("actor", opts.Actor.ID).Msg("Organization unlinked from customer")

	var warnings []string
	if opts.ClearProviderTag {
		if warn := l.ClearTagIfNames(ctx, previous, org.ID); warn != "" {
			warnings = append(warnings, warn)
		}
	}
	l.cache.Invalidate(org.ID)
	return previous, warnings, nil
}

// SetTag points customerID's organization tag at orgID.
func (l *Linker) SetTag(ctx context.Context, customerID, orgID string) error {
	if l.provider == nil {
		return billingerrors.New(billingerrors.KindProviderNotConfigured, "set_customer_tag", "billing provider is not configured")
	}
	return l.provider.UpdateCustomerMetadata(ctx, customerID, map[string]string{provider.OrganizationMetadataKey: orgID})
}

// ClearTagIfNames removes customerID's organization tag when it names orgID.
// Failures are logged and returned as a warning string.
func (l *Linker) ClearTagIfNames(ctx context.Context, customerID, orgID string) string {
	if customerID == "" || l.provider == nil {
		return ""
	}
	customer, err := l.provider.GetCustomer(ctx, customerID)
	if err != nil {
		if stderrors.Is(err, billingerrors.ErrNotFound) {
			return ""
		}
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Failed to load customer to clear organization tag")
		return "customer " + customerID + " tag not cleared: " + err.Error()
	}
	if customer.Deleted || customer.OrganizationID() != orgID {
		return ""
	}
	if err := l.provider.UpdateCustomerMetadata(ctx, customerID, map[string]string{provider.OrganizationMetadataKey: ""}); err != nil {
		log.Warn().Err(err).Str("customer_id", customerID).Msg("Failed to clear stale organization tag")
		return "customer " + customerID + " tag not cleared: " + err.Error()
	}
	l.audit(ctx, &store.AuditEntry{
		Action: store.AuditActionMetadataUpdate, OrganizationID: orgID, CustomerID: customerID,
		Detail: "cleared stale organization tag",
	})
	log.Info().Str("customer_id", customerID).Str("organization_id", orgID).Msg("Cleared stale organization tag")
	return ""
}

func (l *Linker) audit(ctx context.Context, e *store.AuditEntry) {
	if err := l.store.InsertAudit(ctx, e); err != nil {
		log.Error().Err(err).Str("organization_id", e.OrganizationID).Str("action", string(e.Action)).Msg("Failed to write billing audit entry")
	}
}
