package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// InsertRevenueEvent appends a ledger row. Replays of the same
// (external id, event type) pair are ignored; inserted reports whether a new
// row was written.
func (s *Store) InsertRevenueEvent(ctx context.Context, ev *RevenueEvent) (inserted bool, err error) {
	if ev == nil {
		return false, fmt.Errorf("revenue event is nil")
	}
	if strings.TrimSpace(ev.StripeExternalID) == "" {
		return false, fmt.Errorf("revenue event external id is required")
	}
	switch ev.EventType {
	case RevenueEventPayment, RevenueEventRefund:
	default:
		return false, fmt.Errorf("unknown revenue event type %q", ev.EventType)
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	now := s.now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.CreatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO revenue_events (
			id, organization_id, stripe_customer_id, stripe_external_id, event_type,
			amount, currency, description, occurred_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_external_id, event_type) DO NOTHING`,
		ev.ID, nullString(ev.OrganizationID), ev.StripeCustomerID, ev.StripeExternalID,
		string(ev.EventType), ev.Amount, strings.ToLower(ev.Currency), ev.Description,
		ev.OccurredAt.Unix(), ev.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert revenue event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ListRevenueEvents returns the ledger rows for a provider invoice or charge.
func (s *Store) ListRevenueEvents(ctx context.Context, externalID string) ([]*RevenueEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(organization_id, ''), stripe_customer_id, stripe_external_id,
			event_type, amount, currency, description, occurred_at, created_at
		FROM revenue_events WHERE stripe_external_id = ? ORDER BY id`, externalID)
	if err != nil {
		return nil, fmt.Errorf("list revenue events: %w", err)
	}
	defer rows.Close()

	var out []*RevenueEvent
	for rows.Next() {
		var ev RevenueEvent
		var eventType string
		var occurredAt, createdAt int64
		if err := rows.Scan(&ev.ID, &ev.OrganizationID, &ev.StripeCustomerID, &ev.StripeExternalID,
			&eventType, &ev.Amount, &ev.Currency, &ev.Description, &occurredAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan revenue event: %w", err)
		}
		ev.EventType = RevenueEventType(eventType)
		ev.OccurredAt = time.Unix(occurredAt, 0).UTC()
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RevenueTotals returns the net ledger amount per currency.
func (s *Store) RevenueTotals(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT currency, COALESCE(SUM(amount), 0) FROM revenue_events GROUP BY currency`)
	if err != nil {
		return nil, fmt.Errorf("sum revenue events: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var currency string
		var total int64
		if err := rows.Scan(&currency, &total); err != nil {
			return nil, fmt.Errorf("scan revenue total: %w", err)
		}
		totals[currency] = total
	}
	return totals, rows.Err()
}
