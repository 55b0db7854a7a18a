package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const invoiceColumns = `
	stripe_invoice_id, organization_id, stripe_customer_id, status, amount_due,
	amount_paid, currency, description, hosted_invoice_url, invoice_pdf,
	due_date, created_at, updated_at`

// UpsertInvoice inserts or refreshes the cached invoice keyed by its provider
// id. An already-known organization id is never cleared by a later write
// that lacks one.
func (s *Store) UpsertInvoice(ctx context.Context, inv *Invoice) error {
	if inv == nil || strings.TrimSpace(inv.StripeInvoiceID) == "" {
		return fmt.Errorf("invoice id is required")
	}
	now := s.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_invoice_id) DO UPDATE SET
			organization_id    = COALESCE(excluded.organization_id, invoices.organization_id),
			stripe_customer_id = excluded.stripe_customer_id,
			status             = excluded.status,
			amount_due         = excluded.amount_due,
			amount_paid        = excluded.amount_paid,
			currency           = excluded.currency,
			description        = excluded.description,
			hosted_invoice_url = excluded.hosted_invoice_url,
			invoice_pdf        = excluded.invoice_pdf,
			due_date           = excluded.due_date,
			updated_at         = excluded.updated_at`,
		inv.StripeInvoiceID, nullString(inv.OrganizationID), inv.StripeCustomerID,
		inv.Status, inv.AmountDue, inv.AmountPaid, strings.ToLower(inv.Currency),
		inv.Description, inv.HostedInvoiceURL, inv.InvoicePDF,
		nullTimeUnix(inv.DueDate), inv.CreatedAt.Unix(), inv.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves a cached invoice, or (nil, nil).
func (s *Store) GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE stripe_invoice_id = ?`, invoiceID)
	return scanInvoice(row)
}

// ListInvoicesByOrganization returns the cached invoices of an organization,
// newest first.
func (s *Store) ListInvoicesByOrganization(ctx context.Context, orgID string) ([]*Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+`
		FROM invoices WHERE organization_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(s scanner) (*Invoice, error) {
	var inv Invoice
	var orgID sql.NullString
	var dueDate sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&inv.StripeInvoiceID, &orgID, &inv.StripeCustomerID, &inv.Status, &inv.AmountDue,
		&inv.AmountPaid, &inv.Currency, &inv.Description, &inv.HostedInvoiceURL, &inv.InvoicePDF,
		&dueDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan invoice: %w", err)
	}
	inv.OrganizationID = orgID.String
	inv.DueDate = timeFromNull(dueDate)
	inv.CreatedAt = time.Unix(createdAt, 0).UTC()
	inv.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &inv, nil
}
