package conflicts

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/cache"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

// Request is an operator resolution. CustomerID is the customer to keep
// for OrganizationID.
type Request struct {
	OrganizationID string `json:"organization_id" validate:"required,max=128"`
	CustomerID     string `json:"customer_id" validate:"required,max=128"`
	Action         Action `json:"action" validate:"required,oneof=unlink_other update_provider_metadata use_db use_provider_metadata"`
	// LosingCustomerID names the customer being abandoned. Required for
	// use_db; for use_provider_metadata it defaults to the stored customer.
	LosingCustomerID     string `json:"losing_customer_id,omitempty" validate:"omitempty,max=128,nefield=CustomerID"`
	DeleteLosingCustomer bool   `json:"delete_losing_customer"`
	// Force allows replacing a different link, and keeping one customer
	// when both candidates have billing activity.
	Force  bool   `json:"force"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// Validate checks field formats and action-specific requirements.
func (r *Request) Validate() error {
	const op = "resolve_conflict"
	if err := validate.Struct(r); err != nil {
		return billingerrors.New(billingerrors.KindInvalidInput, op, err.Error())
	}
	if r.Action == ActionUseDB && r.LosingCustomerID == "" {
		return billingerrors.New(billingerrors.KindInvalidInput, op, "losing_customer_id is required for use_db")
	}
	if r.DeleteLosingCustomer && r.Action != ActionUseDB && r.Action != ActionUseProviderMetadata {
		return billingerrors.New(billingerrors.KindInvalidInput, op, "delete_losing_customer is only valid with use_db or use_provider_metadata")
	}
	return nil
}

// Result reports what a resolution changed.
type Result struct {
	OrganizationID        string   `json:"organization_id"`
	Action                Action   `json:"action"`
	KeptCustomerID        string   `json:"kept_customer_id"`
	LosingCustomerID      string   `json:"losing_customer_id,omitempty"`
	UnlinkedOrganizations []string `json:"unlinked_organizations,omitempty"`
	DeletedCustomerID     string   `json:"deleted_customer_id,omitempty"`
	Applied               []string `json:"applied"`
	Warnings              []string `json:"warnings,omitempty"`
}

// Resolver applies operator resolutions. Every safety check is evaluated
// against fresh store and provider state before the first write.
type Resolver struct {
	store    *store.Store
	provider provider.Provider
	linker   *linker.Linker
	cache    *cache.Scheduler
}

// NewResolver creates a Resolver.
func NewResolver(st *store.Store, p provider.Provider, l *linker.Linker, c *cache.Scheduler) *Resolver {
	return &Resolver{store: st, provider: p, linker: l, cache: c}
}

// Resolve validates and applies req. When a provider call fails after
// earlier steps were applied, the returned error lists those steps.
func (r *Resolver) Resolve(ctx context.Context, req Request, actor linker.Actor) (res *Result, err error) {
	const op = "resolve_conflict"
	action := "invalid"
	defer func() {
		outcome := "applied"
		if err != nil {
			outcome = billingerrors.Code(err)
		}
		bmetrics.ConflictResolutionsTotal.WithLabelValues(action, outcome).Inc()
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	action = string(req.Action)
	if r.provider == nil {
		return nil, billingerrors.New(billingerrors.KindProviderNotConfigured, op, "billing provider is not configured")
	}

	org, err := r.store.GetOrganization(ctx, req.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("lookup organization: %w", err)
	}
	if org == nil {
		return nil, billingerrors.New(billingerrors.KindNotFound, op, fmt.Sprintf("organization %s does not exist", req.OrganizationID))
	}
	keep, err := r.provider.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("fetch customer %s: %w", req.CustomerID, err)
	}
	if keep.Deleted {
		return nil, billingerrors.New(billingerrors.KindInvalidInput, op, fmt.Sprintf("customer %s is deleted in the provider", keep.ID))
	}

	res = &Result{OrganizationID: org.ID, Action: req.Action, KeptCustomerID: keep.ID, Applied: []string{}}
	switch req.Action {
	case ActionUnlinkOther:
		err = r.unlinkOther(ctx, org, keep, req, actor, res)
	case ActionUpdateProviderMetadata:
		err = r.updateProviderMetadata(ctx, org, keep, actor, res)
	case ActionUseDB:
		err = r.useDB(ctx, org, keep, req, actor, res)
	case ActionUseProviderMetadata:
		err = r.useProviderMetadata(ctx, org, keep, req, actor, res)
	}
	if err != nil {
		return nil, partial(op, res.Applied, err)
	}
	r.cache.Invalidate(org.ID)

	log.Info().
		Str("organization_id", org.ID).
		Str("customer_id", keep.ID).
		Str("action", string(req.Action)).
		Str("losing_customer_id", res.LosingCustomerID).
		Str("deleted_customer_id", res.DeletedCustomerID).
		Str("actor", actor.ID).
		Msg("Billing conflict resolved")
	return res, nil
}

func (r *Resolver) unlinkOther(ctx context.Context, org *store.Organization, keep *provider.Customer, req Request, actor linker.Actor, res *Result) error {
	const op = "resolve_conflict"
	if org.StripeCustomerID != "" && org.StripeCustomerID != keep.ID && !req.Force {
		return billingerrors.New(billingerrors.KindLinkAlreadyExists, op,
			fmt.Sprintf("organization %s is linked to customer %s; pass force to replace", org.ID, org.StripeCustomerID))
	}
	holders, err := r.store.ListOrganizationsByCustomerID(ctx, keep.ID)
	if err != nil {
		return err
	}

	for _, other := range holders {
		if other.ID == org.ID {
			continue
		}
		if _, _, err := r.linker.Unlink(ctx, other.ID, linker.UnlinkOptions{Actor: actor, Reason: reason(req, "conflict resolution")}); err != nil {
			return err
		}
		res.UnlinkedOrganizations = append(res.UnlinkedOrganizations, other.ID)
		res.Applied = append(res.Applied, "unlinked organization "+other.ID)
	}

	link, err := r.linker.Link(ctx, org.ID, keep.ID, linker.LinkOptions{Force: req.Force, Actor: actor, Reason: reason(req, "conflict resolution")})
	if err != nil {
		return err
	}
	if link.Changed {
		res.Applied = append(res.Applied, "linked organization "+org.ID+" to customer "+keep.ID)
	}
	res.Warnings = append(res.Warnings, link.Warnings...)
	return nil
}

func (r *Resolver) updateProviderMetadata(ctx context.Context, org *store.Organization, keep *provider.Customer, actor linker.Actor, res *Result) error {
	const op = "resolve_conflict"
	if org.StripeCustomerID != keep.ID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("organization %s does not store customer %s", org.ID, keep.ID))
	}
	if keep.OrganizationID() == org.ID {
		res.Warnings = append(res.Warnings, "customer already tagged with this organization")
		return nil
	}
	if err := r.linker.SetTag(ctx, keep.ID, org.ID); err != nil {
		return fmt.Errorf("tag customer %s: %w", keep.ID, err)
	}
	r.audit(ctx, &store.AuditEntry{
		Action: store.AuditActionMetadataUpdate, OrganizationID: org.ID, CustomerID: keep.ID,
		Actor: actor.ID, ClientIP: actor.ClientIP, Detail: "organization tag set to " + org.ID,
	})
	res.Applied = append(res.Applied, "tagged customer "+keep.ID+" with organization "+org.ID)
	return nil
}

func (r *Resolver) useDB(ctx context.Context, org *store.Organization, keep *provider.Customer, req Request, actor linker.Actor, res *Result) error {
	const op = "resolve_conflict"
	if org.StripeCustomerID != keep.ID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("organization %s does not store customer %s", org.ID, keep.ID))
	}
	loser, err := r.provider.GetCustomer(ctx, req.LosingCustomerID)
	if err != nil {
		return fmt.Errorf("fetch customer %s: %w", req.LosingCustomerID, err)
	}
	if loser.OrganizationID() != org.ID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("customer %s is no longer tagged with organization %s", loser.ID, org.ID))
	}
	res.LosingCustomerID = loser.ID

	keepAct, loseAct, err := r.activities(ctx, keep.ID, loser.ID)
	if err != nil {
		return err
	}
	if keepAct.active() && loseAct.active() && !req.Force {
		return manualReview(keep.ID, loser.ID)
	}
	if req.DeleteLosingCustomer {
		if err := r.checkDeletable(ctx, loser.ID, loseAct, nil); err != nil {
			return err
		}
	}

	if err := r.provider.UpdateCustomerMetadata(ctx, loser.ID, map[string]string{provider.OrganizationMetadataKey: ""}); err != nil {
		return fmt.Errorf("clear tag on customer %s: %w", loser.ID, err)
	}
	r.audit(ctx, &store.AuditEntry{
		Action: store.AuditActionMetadataUpdate, OrganizationID: org.ID, CustomerID: loser.ID,
		Actor: actor.ID, ClientIP: actor.ClientIP, Detail: "cleared organization tag",
	})
	res.Applied = append(res.Applied, "cleared organization tag on customer "+loser.ID)

	if keep.OrganizationID() != org.ID {
		if err := r.linker.SetTag(ctx, keep.ID, org.ID); err != nil {
			return fmt.Errorf("tag customer %s: %w", keep.ID, err)
		}
		res.Applied = append(res.Applied, "tagged customer "+keep.ID+" with organization "+org.ID)
	}

	if req.DeleteLosingCustomer {
		return r.deleteCustomer(ctx, org.ID, loser.ID, actor, res)
	}
	return nil
}

func (r *Resolver) useProviderMetadata(ctx context.Context, org *store.Organization, keep *provider.Customer, req Request, actor linker.Actor, res *Result) error {
	const op = "resolve_conflict"
	if keep.OrganizationID() != org.ID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("customer %s is not tagged with organization %s", keep.ID, org.ID))
	}
	loserID := org.StripeCustomerID
	if loserID == keep.ID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("organization %s already stores customer %s", org.ID, keep.ID))
	}
	if req.LosingCustomerID != "" && req.LosingCustomerID != loserID {
		return billingerrors.New(billingerrors.KindInvalidInput, op,
			fmt.Sprintf("organization %s stores customer %q, not %s", org.ID, loserID, req.LosingCustomerID))
	}
	if req.DeleteLosingCustomer && loserID == "" {
		return billingerrors.New(billingerrors.KindInvalidInput, op, "organization has no stored customer to delete")
	}
	res.LosingCustomerID = loserID

	keepAct, loseAct, err := r.activities(ctx, keep.ID, loserID)
	if err != nil {
		return err
	}
	if keepAct.active() && loseAct.active() && !req.Force {
		return manualReview(keep.ID, loserID)
	}
	if err := r.linker.CheckLinkable(ctx, org, keep.ID, true); err != nil {
		return err
	}
	if req.DeleteLosingCustomer {
		if err := r.checkDeletable(ctx, loserID, loseAct, map[string]bool{org.ID: true}); err != nil {
			return err
		}
	}

	link, err := r.linker.Link(ctx, org.ID, keep.ID, linker.LinkOptions{Force: true, Actor: actor, Reason: reason(req, "conflict resolution")})
	if err != nil {
		return err
	}
	res.Applied = append(res.Applied, "linked organization "+org.ID+" to customer "+keep.ID)
	res.Warnings = append(res.Warnings, link.Warnings...)

	if req.DeleteLosingCustomer {
		return r.deleteCustomer(ctx, org.ID, loserID, actor, res)
	}
	return nil
}

// activities loads fresh activity for both candidates. An empty loserID
// yields nil activity for that side.
func (r *Resolver) activities(ctx context.Context, keepID, loserID string) (*Activity, *Activity, error) {
	keepAct, err := CustomerActivity(ctx, r.provider, keepID)
	if err != nil {
		return nil, nil, fmt.Errorf("load activity for %s: %w", keepID, err)
	}
	if loserID == "" {
		return keepAct, nil, nil
	}
	loseAct, err := CustomerActivity(ctx, r.provider, loserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load activity for %s: %w", loserID, err)
	}
	return keepAct, loseAct, nil
}

// checkDeletable refuses deletion of a customer with any activity signal
// or still stored on an organization outside unlinking.
func (r *Resolver) checkDeletable(ctx context.Context, customerID string, act *Activity, unlinking map[string]bool) error {
	const op = "delete_customer"
	if act.active() {
		return billingerrors.New(billingerrors.KindUnsafeDeletion, op,
			fmt.Sprintf("customer %s has billing activity (subscriptions=%d open_invoices=%d paid_invoices=%d)",
				customerID, act.ActiveSubscriptions, act.OpenInvoices, act.PaidInvoices))
	}
	holders, err := r.store.ListOrganizationsByCustomerID(ctx, customerID)
	if err != nil {
		return err
	}
	for _, h := range holders {
		if !unlinking[h.ID] {
			return billingerrors.New(billingerrors.KindUnsafeDeletion, op,
				fmt.Sprintf("customer %s is linked to organization %s", customerID, h.ID))
		}
	}
	return nil
}

func (r *Resolver) deleteCustomer(ctx context.Context, orgID, customerID string, actor linker.Actor, res *Result) error {
	if err := r.provider.DeleteCustomer(ctx, customerID); err != nil {
		return fmt.Errorf("delete customer %s: %w", customerID, err)
	}
	r.audit(ctx, &store.AuditEntry{
		Action: store.AuditActionDeleteCustomer, OrganizationID: orgID, CustomerID: customerID,
		Actor: actor.ID, ClientIP: actor.ClientIP, Detail: "losing customer deleted during conflict resolution",
	})
	log.Warn().Str("customer_id", customerID).Str("organization_id", orgID).Str("actor", actor.ID).Msg("Deleted losing customer")
	res.DeletedCustomerID = customerID
	res.Applied = append(res.Applied, "deleted customer "+customerID)
	return nil
}

func (r *Resolver) audit(ctx context.Context, e *store.AuditEntry) {
	if err := r.store.InsertAudit(ctx, e); err != nil {
		log.Error().Err(err).Str("organization_id", e.OrganizationID).Str("action", string(e.Action)).Msg("Failed to write billing audit entry")
	}
}

func manualReview(a, b string) error {
	return billingerrors.New(billingerrors.KindManualReviewRequired, "resolve_conflict",
		fmt.Sprintf("customers %s and %s both have billing activity; review manually or pass force", a, b))
}

// partial reports err, naming the steps that were already applied.
func partial(op string, applied []string, err error) error {
	if len(applied) == 0 {
		return err
	}
	return billingerrors.Wrap(billingerrors.KindInternal, op,
		fmt.Errorf("partially applied (%s): %w", strings.Join(applied, "; "), err))
}

func reason(req Request, fallback string) string {
	if strings.TrimSpace(req.Reason) != "" {
		return req.Reason
	}
	return fallback
}
