// Package agreement records legal agreement acceptance when an organization
// starts a subscription.
package agreement

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/directory"
	"github.com/rcourtman/membership-billing/internal/billing/events"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	billingerrors "github.com/rcourtman/membership-billing/internal/errors"
	"github.com/rs/zerolog/log"
)

// Subscription metadata keys written back to the provider, and read when
// the checkout flow captured a version.
const (
	MetadataAgreementVersion    = "agreement_version"
	MetadataAgreementType       = "agreement_type"
	MetadataAgreementAcceptedAt = "agreement_accepted_at"
	MetadataAgreementUserID     = "agreement_user_id"
)

// DefaultType is the agreement type recorded for memberships.
const DefaultType = "membership"

// EmailIdentityPrefix marks an identity that could only be derived from an
// email address.
const EmailIdentityPrefix = "email:"

// Recorder writes Agreement Acceptance rows.
type Recorder struct {
	store         *store.Store
	directory     directory.Directory
	provider      provider.Provider
	agreementType string
	now           func() time.Time
}

// NewRecorder creates a Recorder. dir and p may be nil.
func NewRecorder(st *store.Store, dir directory.Directory, p provider.Provider, agreementType string) *Recorder {
	if strings.TrimSpace(agreementType) == "" {
		agreementType = DefaultType
	}
	return &Recorder{store: st, directory: dir, provider: p, agreementType: agreementType, now: time.Now}
}

// Outcome reports what RecordSubscriptionStart did.
type Outcome struct {
	Acceptance *store.AgreementAcceptance
	// Inserted is false for a redelivered event whose acceptance already
	// exists.
	Inserted bool
	// Skipped is set when no agreement version is published.
	Skipped bool
}

// RecordSubscriptionStart records acceptance of the applicable agreement for
// org on a subscription-created event. The acceptance row and the
// organization's agreement fields are written atomically; a failure there
// is an AgreementRecordingFailure and must reach the webhook so the provider
// retries. The provider subscription is never rolled back.
func (r *Recorder) RecordSubscriptionStart(ctx context.Context, org *store.Organization, ev events.SubscriptionChanged) (*Outcome, error) {
	const op = "record_agreement"
	sub := ev.Subscription

	version, err := r.applicableVersion(ctx, org, sub)
	if err != nil {
		return nil, r.critical(op, org, sub.ID, err)
	}
	if version == "" {
		log.Warn().
			Str("organization_id", org.ID).
			Str("subscription_id", sub.ID).
			Str("agreement_type", r.agreementType).
			Msg("No published agreement version; nothing to record")
		return &Outcome{Skipped: true}, nil
	}

	email := r.subscriberEmail(ctx, sub)
	userID, err := r.resolveIdentity(ctx, org.ID, email)
	if err != nil {
		return nil, r.critical(op, org, sub.ID, err)
	}

	acceptedAt := ev.Created
	if acceptedAt.IsZero() {
		acceptedAt = r.now().UTC()
	}
	acc := &store.AgreementAcceptance{
		UserID:           userID,
		UserEmail:        email,
		AgreementType:    r.agreementType,
		AgreementVersion: version,
		OrganizationID:   org.ID,
		AcceptedAt:       acceptedAt,
	}
	inserted, err := r.store.RecordAgreementAcceptance(ctx, acc)
	if err != nil {
		return nil, r.critical(op, org, sub.ID, err)
	}

	log.Info().
		Str("organization_id", org.ID).
		Str("subscription_id", sub.ID).
		Str("user_id", userID).
		Str("agreement_version", version).
		Bool("inserted", inserted).
		Msg("Agreement acceptance recorded")

	r.writeBack(ctx, sub.ID, acc)
	return &Outcome{Acceptance: acc, Inserted: inserted}, nil
}

// applicableVersion prefers a version captured at checkout (subscription
// metadata, then the organization's pending version) over the current
// published version.
func (r *Recorder) applicableVersion(ctx context.Context, org *store.Organization, sub events.Subscription) (string, error) {
	if v := strings.TrimSpace(sub.Metadata[MetadataAgreementVersion]); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(org.PendingAgreementVersion); v != "" {
		return v, nil
	}
	v, err := r.store.CurrentAgreementVersion(ctx, r.agreementType)
	if err != nil {
		return "", fmt.Errorf("load current agreement version: %w", err)
	}
	return v, nil
}

func (r *Recorder) subscriberEmail(ctx context.Context, sub events.Subscription) string {
	if r.provider == nil {
		return ""
	}
	customer, err := r.provider.GetCustomer(ctx, sub.Customer.String())
	if err != nil {
		log.Warn().Err(err).Str("customer_id", sub.Customer.String()).Msg("Failed to load subscriber email")
		return ""
	}
	return strings.ToLower(strings.TrimSpace(customer.Email))
}

// resolveIdentity maps the subscriber to a directory user: first by email,
// then by the organization's owner membership, then to an email-derived
// identity.
func (r *Recorder) resolveIdentity(ctx context.Context, orgID, email string) (string, error) {
	if r.directory != nil {
		if email != "" {
			user, err := r.directory.FindUserByEmail(ctx, email)
			if err != nil {
				log.Warn().Err(err).Str("organization_id", orgID).Msg("Directory email lookup failed")
			} else if user != nil && user.ID != "" {
				return user.ID, nil
			}
		}
		members, err := r.directory.ListOrganizationMemberships(ctx, orgID)
		if err != nil {
			log.Warn().Err(err).Str("organization_id", orgID).Msg("Directory membership lookup failed")
		}
		for _, m := range members {
			if m.Role == directory.RoleOwner && m.UserID != "" {
				return m.UserID, nil
			}
		}
	}
	if email != "" {
		return EmailIdentityPrefix + email, nil
	}
	return "", stderrors.New("subscriber identity could not be resolved")
}

func (r *Recorder) writeBack(ctx context.Context, subscriptionID string, acc *store.AgreementAcceptance) {
	if r.provider == nil || subscriptionID == "" {
		return
	}
	err := r.provider.UpdateSubscriptionMetadata(ctx, subscriptionID, map[string]string{
		MetadataAgreementVersion:    acc.AgreementVersion,
		MetadataAgreementType:       acc.AgreementType,
		MetadataAgreementAcceptedAt: acc.AcceptedAt.UTC().Format(time.RFC3339),
		MetadataAgreementUserID:     acc.UserID,
	})
	if err != nil {
		log.Warn().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to write agreement version to subscription metadata")
	}
}

func (r *Recorder) critical(op string, org *store.Organization, subscriptionID string, err error) error {
	log.Error().
		Err(err).
		Bool("critical", true).
		Str("organization_id", org.ID).
		Str("subscription_id", subscriptionID).
		Msg("CRITICAL: subscription exists without a recorded agreement acceptance")
	return billingerrors.Wrap(billingerrors.KindAgreementRecordingFailure, op, err)
}
