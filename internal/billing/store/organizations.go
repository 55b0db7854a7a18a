package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const organizationColumns = `
	id, name, stripe_customer_id, stripe_subscription_id, subscription_status,
	subscription_product_id, subscription_product_name, subscription_amount,
	subscription_currency, subscription_current_period_end, subscription_canceled_at,
	subscription_event_at, agreement_signed_at, agreement_version,
	pending_agreement_version, created_at, updated_at`

// CreateOrganization inserts a new organization record.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) error {
	if o == nil {
		return fmt.Errorf("organization is nil")
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("organization id is required")
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, nullString(o.StripeCustomerID), nullString(o.StripeSubscriptionID),
		nullString(o.SubscriptionStatus), nullString(o.SubscriptionProductID),
		nullString(o.SubscriptionProductName), nullInt64(o.SubscriptionAmount),
		nullString(o.SubscriptionCurrency), nullTimeUnix(o.SubscriptionCurrentPeriodEnd),
		nullTimeUnix(o.SubscriptionCanceledAt), nullTimeUnix(o.SubscriptionEventAt),
		nullTimeUnix(o.AgreementSignedAt), nullString(o.AgreementVersion),
		nullString(o.PendingAgreementVersion), o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID. It returns (nil, nil) when
// no such organization exists.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetOrganizationByCustomerID returns the oldest organization whose stored
// customer id equals customerID, or (nil, nil).
func (s *Store) GetOrganizationByCustomerID(ctx context.Context, customerID string) (*Organization, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+`
		FROM organizations WHERE stripe_customer_id = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, customerID)
	return scanOrganization(row)
}

// ListOrganizationsByCustomerID returns every organization claiming
// customerID. More than one result is a registry conflict.
func (s *Store) ListOrganizationsByCustomerID(ctx context.Context, customerID string) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+organizationColumns+`
		FROM organizations WHERE stripe_customer_id = ?
		ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list organizations by customer: %w", err)
	}
	defer rows.Close()
	return scanOrganizations(rows)
}

// ListLinkedOrganizations returns all organizations with a stored customer id.
func (s *Store) ListLinkedOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+organizationColumns+`
		FROM organizations WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id <> ''
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list linked organizations: %w", err)
	}
	defer rows.Close()
	return scanOrganizations(rows)
}

// DuplicateCustomerClaims returns customer ids stored on more than one
// organization, mapped to the claiming organization ids.
func (s *Store) DuplicateCustomerClaims(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stripe_customer_id, id FROM organizations
		WHERE stripe_customer_id IN (
			SELECT stripe_customer_id FROM organizations
			WHERE stripe_customer_id IS NOT NULL AND stripe_customer_id <> ''
			GROUP BY stripe_customer_id HAVING COUNT(*) > 1
		)
		ORDER BY stripe_customer_id, created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("find duplicate customer claims: %w", err)
	}
	defer rows.Close()

	claims := make(map[string][]string)
	for rows.Next() {
		var customerID, orgID string
		if err := rows.Scan(&customerID, &orgID); err != nil {
			return nil, fmt.Errorf("scan duplicate claim: %w", err)
		}
		claims[customerID] = append(claims[customerID], orgID)
	}
	return claims, rows.Err()
}

// CompareAndSetCustomerID stores customerID on the organization only if its
// current stored customer id equals expected ("" meaning unset). It reports
// whether the write was applied.
func (s *Store) CompareAndSetCustomerID(ctx context.Context, orgID, expected, customerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET stripe_customer_id = ?, updated_at = ?
		WHERE id = ? AND COALESCE(stripe_customer_id, '') = ?`,
		nullString(customerID), s.now().Unix(), orgID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("set organization customer id: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ReplaceCustomerLink swaps the stored customer id from expected to
// customerID and drops the subscription snapshot that belonged to the
// previous customer. Like CompareAndSetCustomerID it is a no-op when the
// stored id no longer equals expected.
func (s *Store) ReplaceCustomerLink(ctx context.Context, orgID, expected, customerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET
			stripe_customer_id = ?, stripe_subscription_id = NULL,
			subscription_status = NULL, subscription_product_id = NULL,
			subscription_product_name = NULL, subscription_amount = NULL,
			subscription_currency = NULL, subscription_current_period_end = NULL,
			subscription_canceled_at = NULL, subscription_event_at = NULL,
			subscription_event_rank = 0, updated_at = ?
		WHERE id = ? AND COALESCE(stripe_customer_id, '') = ?`,
		nullString(customerID), s.now().Unix(), orgID, expected,
	)
	if err != nil {
		return false, fmt.Errorf("replace organization customer id: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ClearBillingLink removes the stored customer id and the projected
// subscription snapshot from the organization. Agreement fields are kept:
// they describe an accepted legal agreement, not provider state.
func (s *Store) ClearBillingLink(ctx context.Context, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET
			stripe_customer_id = NULL, stripe_subscription_id = NULL,
			subscription_status = NULL, subscription_product_id = NULL,
			subscription_product_name = NULL, subscription_amount = NULL,
			subscription_currency = NULL, subscription_current_period_end = NULL,
			subscription_canceled_at = NULL, subscription_event_at = NULL,
			subscription_event_rank = 0, updated_at = ?
		WHERE id = ?`, s.now().Unix(), orgID)
	if err != nil {
		return fmt.Errorf("clear billing link: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("organization %q not found", orgID)
	}
	return nil
}

// ApplySubscriptionSnapshot upserts the subscription snapshot onto the
// organization. The write is skipped (applied=false) when the organization
// already holds a snapshot from a newer event, or from an event in the same
// second with a higher rank. A non-terminal snapshot never replaces a
// terminal status stored for the same subscription.
//
// When sameSubscriptionOnly is set the write is also skipped if the
// organization tracks a different subscription id, or tracks none while
// active from a one-time membership.
func (s *Store) ApplySubscriptionSnapshot(ctx context.Context, orgID string, snap SubscriptionSnapshot, sameSubscriptionOnly bool) (bool, error) {
	eventAt := snap.EventAt.Unix()
	query := `
		UPDATE organizations SET
			stripe_subscription_id = ?, subscription_status = ?,
			subscription_product_id = ?, subscription_product_name = ?,
			subscription_amount = ?, subscription_currency = ?,
			subscription_current_period_end = ?, subscription_canceled_at = ?,
			subscription_event_at = ?, subscription_event_rank = ?, updated_at = ?
		WHERE id = ?
		  AND (subscription_event_at IS NULL OR subscription_event_at < ?
		       OR (subscription_event_at = ? AND subscription_event_rank <= ?))`
	args := []any{
		nullString(snap.SubscriptionID), nullString(snap.Status),
		nullString(snap.ProductID), nullString(snap.ProductName),
		nullInt64(snap.Amount), nullString(strings.ToLower(snap.Currency)),
		nullTimeUnix(snap.CurrentPeriodEnd), nullTimeUnix(snap.CanceledAt),
		eventAt, snap.EventRank, s.now().Unix(),
		orgID, eventAt, eventAt, snap.EventRank,
	}
	if !isTerminalStatus(snap.Status) {
		query += `
		  AND NOT (COALESCE(stripe_subscription_id, '') = ? AND COALESCE(subscription_status, '') IN (?, ?))`
		args = append(args, snap.SubscriptionID, SubscriptionStatusCanceled, SubscriptionStatusIncompleteExpired)
	}
	if sameSubscriptionOnly {
		query += `
		  AND (stripe_subscription_id = ?
		       OR (stripe_subscription_id IS NULL AND COALESCE(subscription_status, '') <> ?))`
		args = append(args, snap.SubscriptionID, SubscriptionStatusActive)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("apply subscription snapshot: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func isTerminalStatus(status string) bool {
	return status == SubscriptionStatusCanceled || status == SubscriptionStatusIncompleteExpired
}

// OneTimeMembership describes a membership granted by a paid invoice that
// carries no subscription.
type OneTimeMembership struct {
	ProductID   string
	ProductName string
	Amount      int64
	Currency    string
	PeriodEnd   time.Time
	// EventAt is the creation time of the payment event. It becomes the
	// organization's snapshot time so older subscription events are ignored.
	EventAt time.Time
}

// ActivateOneTimeMembership sets the organization active with the given
// period end unless it is already active. The organization stops tracking
// any previous subscription. It reports whether the organization was changed.
func (s *Store) ActivateOneTimeMembership(ctx context.Context, orgID string, m OneTimeMembership) (bool, error) {
	eventAt := m.EventAt
	if eventAt.IsZero() {
		eventAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET
			stripe_subscription_id = NULL,
			subscription_status = ?, subscription_product_id = ?,
			subscription_product_name = ?, subscription_amount = ?,
			subscription_currency = ?, subscription_current_period_end = ?,
			subscription_canceled_at = NULL,
			subscription_event_at = MAX(COALESCE(subscription_event_at, 0), ?),
			subscription_event_rank = 0, updated_at = ?
		WHERE id = ? AND COALESCE(subscription_status, '') <> ?`,
		SubscriptionStatusActive, nullString(m.ProductID), nullString(m.ProductName),
		m.Amount, nullString(strings.ToLower(m.Currency)), m.PeriodEnd.Unix(),
		eventAt.Unix(), s.now().Unix(),
		orgID, SubscriptionStatusActive,
	)
	if err != nil {
		return false, fmt.Errorf("activate one-time membership: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetPendingAgreementVersion records the agreement version shown at checkout.
func (s *Store) SetPendingAgreementVersion(ctx context.Context, orgID, version string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET pending_agreement_version = ?, updated_at = ? WHERE id = ?`,
		nullString(strings.TrimSpace(version)), s.now().Unix(), orgID)
	if err != nil {
		return fmt.Errorf("set pending agreement version: %w", err)
	}
	return nil
}

// CountOrganizationsByStatus returns a map of subscription status -> count.
// Organizations without a status are counted under "none".
func (s *Store) CountOrganizationsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(subscription_status, 'none'), COUNT(*)
		FROM organizations GROUP BY COALESCE(subscription_status, 'none')`)
	if err != nil {
		return nil, fmt.Errorf("count organizations by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func scanOrganization(s scanner) (*Organization, error) {
	var o Organization
	var (
		customerID, subscriptionID, status, productID, productName sql.NullString
		currency, agreementVersion, pendingVersion                 sql.NullString
		amount, periodEnd, canceledAt, eventAt, signedAt           sql.NullInt64
		createdAt, updatedAt                                       int64
	)

	err := s.Scan(
		&o.ID, &o.Name, &customerID, &subscriptionID, &status,
		&productID, &productName, &amount,
		&currency, &periodEnd, &canceledAt,
		&eventAt, &signedAt, &agreementVersion,
		&pendingVersion, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}

	o.StripeCustomerID = customerID.String
	o.StripeSubscriptionID = subscriptionID.String
	o.SubscriptionStatus = status.String
	o.SubscriptionProductID = productID.String
	o.SubscriptionProductName = productName.String
	o.SubscriptionAmount = int64FromNull(amount)
	o.SubscriptionCurrency = currency.String
	o.SubscriptionCurrentPeriodEnd = timeFromNull(periodEnd)
	o.SubscriptionCanceledAt = timeFromNull(canceledAt)
	o.SubscriptionEventAt = timeFromNull(eventAt)
	o.AgreementSignedAt = timeFromNull(signedAt)
	o.AgreementVersion = agreementVersion.String
	o.PendingAgreementVersion = pendingVersion.String
	o.CreatedAt = time.Unix(createdAt, 0).UTC()
	o.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &o, nil
}

func scanOrganizations(rows *sql.Rows) ([]*Organization, error) {
	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}
