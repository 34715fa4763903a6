package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// ListActiveCompanyIDs pages through non-deleted tenants. The pollers walk
// companies in pages so one huge tenant list cannot hold a tick open.
func (s *Store) ListActiveCompanyIDs(ctx context.Context, offset, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM companies
		WHERE deleted = FALSE
		ORDER BY created_at
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetCompany returns a tenant; deleted tenants return ErrNotFound.
func (s *Store) GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error) {
	var c domain.Company
	var acctEmail, acctPassword, acctType, replyDomain, phone, liAccount sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(timezone, 'UTC'),
		       account_email, account_password, account_type, reply_domain,
		       phone_number, linkedin_account_id, linkedin_connected,
		       deleted, created_at
		FROM companies
		WHERE id = $1 AND deleted = FALSE
	`, id).Scan(
		&c.ID, &c.Name, &c.Timezone,
		&acctEmail, &acctPassword, &acctType, &replyDomain,
		&phone, &liAccount, &c.LinkedInConnected,
		&c.Deleted, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company %s: %w", id, err)
	}
	c.AccountEmail = acctEmail.String
	c.AccountPassword = acctPassword.String
	c.AccountType = domain.AccountType(acctType.String)
	c.ReplyDomain = replyDomain.String
	c.PhoneNumber = phone.String
	c.LinkedInAccountID = liAccount.String
	return &c, nil
}

// SetLinkedInConnected flips the tenant's LinkedIn account state, driven by
// the integrator's account-status webhook.
func (s *Store) SetLinkedInConnected(ctx context.Context, companyID uuid.UUID, connected bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE companies SET linkedin_connected = $2 WHERE id = $1
	`, companyID, connected)
	if err != nil {
		return fmt.Errorf("set linkedin connected: %w", err)
	}
	return nil
}

// CompanyByLinkedInAccount resolves a tenant from the integrator account id
// carried on LinkedIn webhooks.
func (s *Store) CompanyByLinkedInAccount(ctx context.Context, accountID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM companies WHERE linkedin_account_id = $1 AND deleted = FALSE
	`, accountID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("company by linkedin account: %w", err)
	}
	return id, nil
}

// PauseChannel records an operational pause for a tenant channel. The
// poller skips paused channels; items stay pending.
func (s *Store) PauseChannel(ctx context.Context, companyID uuid.UUID, channel domain.Channel, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_pauses (company_id, channel, reason, paused_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (company_id, channel) DO UPDATE SET reason = $3, paused_at = NOW()
	`, companyID, channel, reason)
	if err != nil {
		return fmt.Errorf("pause channel: %w", err)
	}
	return nil
}

// ResumeChannel clears a pause.
func (s *Store) ResumeChannel(ctx context.Context, companyID uuid.UUID, channel domain.Channel) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM channel_pauses WHERE company_id = $1 AND channel = $2
	`, companyID, channel)
	if err != nil {
		return fmt.Errorf("resume channel: %w", err)
	}
	return nil
}

// ChannelPaused reports whether a tenant channel is paused.
func (s *Store) ChannelPaused(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (bool, error) {
	var paused bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM channel_pauses WHERE company_id = $1 AND channel = $2)
	`, companyID, channel).Scan(&paused)
	if err != nil {
		return false, fmt.Errorf("channel paused: %w", err)
	}
	return paused, nil
}
