package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// GetCampaign returns a campaign. Soft-deleted campaigns are returned with
// Deleted=true so dispatchers can fail items with a diagnostic instead of a
// bare not-found.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	var c domain.Campaign
	var tmpl, callTmpl, liTmpl, invTmpl, trigger sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, product_id, name, type,
		       template, call_script_template,
		       linkedin_message_template, linkedin_invitation_template,
		       linkedin_inmail_enabled, trigger_call_on,
		       number_of_reminders, days_between_reminders,
		       deleted, created_at
		FROM campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.CompanyID, &c.ProductID, &c.Name, &c.Type,
		&tmpl, &callTmpl, &liTmpl, &invTmpl,
		&c.InMailEnabled, &trigger,
		&c.NumberOfReminders, &c.DaysBetweenReminders,
		&c.Deleted, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	c.Template = tmpl.String
	c.CallScriptTemplate = callTmpl.String
	c.LinkedInTemplate = liTmpl.String
	c.InvitationTemplate = invTmpl.String
	c.TriggerCallOn = trigger.String
	return &c, nil
}

// GetProduct resolves a campaign's product, including soft-deleted rows so
// historical references stay interpretable.
func (s *Store) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, product_name, description, deleted
		FROM products
		WHERE id = $1
	`, id).Scan(&p.ID, &p.CompanyID, &p.Name, &desc, &p.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	p.Description = desc.String
	return &p, nil
}

// ListCampaignsWithReminders pages email campaigns that have reminders
// configured, for the reminder scheduler.
func (s *Store) ListCampaignsWithReminders(ctx context.Context, offset, limit int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.company_id, c.product_id, c.name, c.type,
		       COALESCE(c.template, ''), c.number_of_reminders, c.days_between_reminders
		FROM campaigns c
		JOIN companies co ON co.id = c.company_id AND co.deleted = FALSE
		WHERE c.deleted = FALSE
		  AND c.type IN ('email', 'email_and_call')
		  AND c.number_of_reminders > 0
		ORDER BY c.created_at
		OFFSET $1 LIMIT $2
	`, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list reminder campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.CompanyID, &c.ProductID, &c.Name, &c.Type,
			&c.Template, &c.NumberOfReminders, &c.DaysBetweenReminders,
		); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
