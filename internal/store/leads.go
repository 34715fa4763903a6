package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cadencehq/engage/internal/domain"
)

// GetLead returns a lead including soft-deleted rows; callers decide
// whether deletion blocks the operation.
func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	var l domain.Lead
	var email, phone, liID, liDist, companyName, jobTitle, companySize, enrichment sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, name,
		       email, phone_number, personal_linkedin_id, linkedin_network_distance,
		       company, job_title, company_size, enrichment,
		       email_bounced, unsubscribed, do_not_contact, deleted
		FROM leads
		WHERE id = $1
	`, id).Scan(
		&l.ID, &l.CompanyID, &l.Name,
		&email, &phone, &liID, &liDist,
		&companyName, &jobTitle, &companySize, &enrichment,
		&l.EmailBounced, &l.Unsubscribed, &l.DoNotContact, &l.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %s: %w", id, err)
	}
	l.Email = email.String
	l.PhoneNumber = phone.String
	l.LinkedInID = liID.String
	l.LinkedInDistance = liDist.String
	l.CompanyName = companyName.String
	l.JobTitle = jobTitle.String
	l.CompanySize = companySize.String
	l.Enrichment = enrichment.String
	return &l, nil
}

// EligibleLeadIDs enumerates leads a run can target on the given channels: the
// channel contact field must be present and the lead must not be
// unsubscribed, bounced (email), do-not-contact, or deleted.
func (s *Store) EligibleLeadIDs(ctx context.Context, companyID uuid.UUID, channels []domain.Channel) ([]uuid.UUID, error) {
	var preds []string
	for _, ch := range channels {
		switch ch {
		case domain.ChannelEmail:
			preds = append(preds, "(email IS NOT NULL AND email <> '' AND email_bounced = FALSE)")
		case domain.ChannelCall:
			preds = append(preds, "(phone_number IS NOT NULL AND phone_number <> '')")
		case domain.ChannelLinkedIn:
			preds = append(preds, "(personal_linkedin_id IS NOT NULL AND personal_linkedin_id <> '')")
		}
	}
	if len(preds) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf(`
		SELECT id FROM leads
		WHERE company_id = $1
		  AND deleted = FALSE
		  AND unsubscribed = FALSE
		  AND do_not_contact = FALSE
		  AND (%s)
		ORDER BY created_at
	`, strings.Join(preds, " OR "))

	rows, err := s.db.QueryContext(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("eligible leads: %w", err)
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

// MarkLeadEmailBounced flags the lead's email as bad after a hard bounce.
func (s *Store) MarkLeadEmailBounced(ctx context.Context, leadID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leads SET email_bounced = TRUE WHERE id = $1
	`, leadID)
	if err != nil {
		return fmt.Errorf("mark lead bounced: %w", err)
	}
	return nil
}

// LeadIDsByEmail resolves leads of a tenant by email address, used by the
// bounce reconciler which only knows the bounced address.
func (s *Store) LeadIDsByEmail(ctx context.Context, companyID uuid.UUID, email string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM leads
		WHERE company_id = $1 AND LOWER(email) = LOWER($2) AND deleted = FALSE
	`, companyID, email)
	if err != nil {
		return nil, fmt.Errorf("leads by email: %w", err)
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

// IsDoNotContact checks a contact key against the tenant's do-not-contact
// list at dispatch time.
func (s *Store) IsDoNotContact(ctx context.Context, companyID uuid.UUID, contact string) (bool, error) {
	var listed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM do_not_contact
			WHERE company_id = $1 AND LOWER(contact) = LOWER($2)
		)
	`, companyID, contact).Scan(&listed)
	if err != nil {
		return false, fmt.Errorf("do-not-contact check: %w", err)
	}
	return listed, nil
}

// AddDoNotContact records contacts on the tenant's do-not-contact list.
func (s *Store) AddDoNotContact(ctx context.Context, companyID uuid.UUID, reason string, contacts []string) error {
	if len(contacts) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO do_not_contact (company_id, contact, reason, created_at)
		SELECT $1, LOWER(c), $2, NOW() FROM unnest($3::text[]) AS c
		ON CONFLICT (company_id, contact) DO NOTHING
	`, companyID, reason, pq.Array(contacts))
	if err != nil {
		return fmt.Errorf("add do-not-contact: %w", err)
	}
	return nil
}
