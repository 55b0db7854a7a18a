package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PublishAgreement records a published agreement version. Re-publishing an
// existing version is a no-op.
func (s *Store) PublishAgreement(ctx context.Context, agreementType, version string, publishedAt time.Time) error {
	agreementType = strings.TrimSpace(agreementType)
	version = strings.TrimSpace(version)
	if agreementType == "" || version == "" {
		return fmt.Errorf("agreement type and version are required")
	}
	if publishedAt.IsZero() {
		publishedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agreements (agreement_type, version, published_at) VALUES (?, ?, ?)
		ON CONFLICT(agreement_type, version) DO NOTHING`,
		agreementType, version, publishedAt.Unix())
	if err != nil {
		return fmt.Errorf("publish agreement: %w", err)
	}
	return nil
}

// CurrentAgreementVersion returns the most recently published version of
// agreementType, or "" if none has been published.
func (s *Store) CurrentAgreementVersion(ctx context.Context, agreementType string) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM agreements WHERE agreement_type = ?
		ORDER BY published_at DESC, version DESC LIMIT 1`, agreementType).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("current agreement version: %w", err)
	}
	return version, nil
}

// RecordAgreementAcceptance writes the acceptance row and stamps the
// organization's agreement fields in one transaction. A replay of an
// existing (user, type, version) acceptance leaves the original row intact
// and still refreshes the organization; inserted reports whether a new row
// was written.
func (s *Store) RecordAgreementAcceptance(ctx context.Context, acc *AgreementAcceptance) (inserted bool, err error) {
	if acc == nil {
		return false, fmt.Errorf("agreement acceptance is nil")
	}
	if acc.UserID == "" || acc.AgreementType == "" || acc.AgreementVersion == "" || acc.OrganizationID == "" {
		return false, fmt.Errorf("agreement acceptance is missing required fields")
	}
	if acc.ID == "" {
		acc.ID = NewID()
	}
	if acc.AcceptedAt.IsZero() {
		acc.AcceptedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin agreement tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO agreement_acceptances (
			id, user_id, user_email, agreement_type, agreement_version, organization_id, accepted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, agreement_type, agreement_version) DO NOTHING`,
		acc.ID, acc.UserID, acc.UserEmail, acc.AgreementType, acc.AgreementVersion,
		acc.OrganizationID, acc.AcceptedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert agreement acceptance: %w", err)
	}
	affected, _ := res.RowsAffected()
	inserted = affected > 0

	res, err = tx.ExecContext(ctx, `
		UPDATE organizations SET
			agreement_signed_at = ?, agreement_version = ?,
			pending_agreement_version = NULL, updated_at = ?
		WHERE id = ?`,
		acc.AcceptedAt.Unix(), acc.AgreementVersion, s.now().Unix(), acc.OrganizationID)
	if err != nil {
		return false, fmt.Errorf("stamp organization agreement: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		err = fmt.Errorf("organization %q not found", acc.OrganizationID)
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit agreement tx: %w", err)
	}
	return inserted, nil
}

// ListAgreementAcceptances returns the acceptances recorded for an
// organization, oldest first.
func (s *Store) ListAgreementAcceptances(ctx context.Context, orgID string) ([]*AgreementAcceptance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_email, agreement_type, agreement_version, organization_id, accepted_at
		FROM agreement_acceptances WHERE organization_id = ? ORDER BY accepted_at ASC, id ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list agreement acceptances: %w", err)
	}
	defer rows.Close()

	var out []*AgreementAcceptance
	for rows.Next() {
		var a AgreementAcceptance
		var acceptedAt int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.UserEmail, &a.AgreementType, &a.AgreementVersion,
			&a.OrganizationID, &acceptedAt); err != nil {
			return nil, fmt.Errorf("scan agreement acceptance: %w", err)
		}
		a.AcceptedAt = time.Unix(acceptedAt, 0).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}
