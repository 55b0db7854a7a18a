package store

import (
	"context"
	"fmt"
	"time"
)

// InsertAudit appends a billing audit entry.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	if e == nil {
		return fmt.Errorf("audit entry is nil")
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_audit (
			id, action, organization_id, customer_id, previous_customer_id,
			actor, client_ip, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.OrganizationID, e.CustomerID, e.PreviousCustomerID,
		e.Actor, e.ClientIP, e.Detail, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert billing audit: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of an organization, oldest first.
func (s *Store) ListAudit(ctx context.Context, orgID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, organization_id, customer_id, previous_customer_id,
			actor, client_ip, detail, created_at
		FROM billing_audit WHERE organization_id = ? ORDER BY id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list billing audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action string
		var createdAt int64
		if err := rows.Scan(&e.ID, &action, &e.OrganizationID, &e.CustomerID, &e.PreviousCustomerID,
			&e.Actor, &e.ClientIP, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan billing audit: %w", err)
		}
		e.Action = AuditAction(action)
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
