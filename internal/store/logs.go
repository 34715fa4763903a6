package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// CreateEmailLog inserts the thread row for an initial send. The log id is
// needed before the send so the tracking pixel and reply-to address can
// embed it. Duplicate (campaign, lead, run) threads coalesce onto the
// existing row.
func (s *Store) CreateEmailLog(ctx context.Context, campaignID, runID, leadID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO email_logs (id, campaign_id, campaign_run_id, lead_id, sent_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (campaign_id, lead_id, campaign_run_id) DO UPDATE SET sent_at = email_logs.sent_at
		RETURNING id
	`, id, campaignID, runID, leadID).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create email log: %w", err)
	}
	return id, nil
}

// GetEmailLog returns a thread row.
func (s *Store) GetEmailLog(ctx context.Context, id uuid.UUID) (*domain.EmailLog, error) {
	var l domain.EmailLog
	var lastReminder sql.NullString
	var lastReminderAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, campaign_run_id, lead_id, sent_at,
		       has_replied, has_opened, has_meeting_booked,
		       last_reminder_sent, last_reminder_sent_at
		FROM email_logs
		WHERE id = $1
	`, id).Scan(
		&l.ID, &l.CampaignID, &l.CampaignRunID, &l.LeadID, &l.SentAt,
		&l.HasReplied, &l.HasOpened, &l.HasMeetingBooked,
		&lastReminder, &lastReminderAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get email log %s: %w", id, err)
	}
	l.LastReminderSent = lastReminder.String
	if lastReminderAt.Valid {
		l.LastReminderSentAt = &lastReminderAt.Time
	}
	return &l, nil
}

// CreateEmailLogDetail writes the per-message row; exactly one per
// successful send, sender_type=assistant. The provider message id carries a
// unique index for duplicate suppression on the replay path.
func (s *Store) CreateEmailLogDetail(ctx context.Context, d domain.EmailLogDetail) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	sentAt := d.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_log_details (
			id, email_logs_id, message_id, email_subject, email_body,
			sender_type, reminder_type, from_name, from_email, to_email, sent_at
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)
		ON CONFLICT (message_id) DO NOTHING
	`, d.ID, d.EmailLogsID, d.MessageID, d.Subject, d.Body,
		d.SenderType, d.ReminderType, d.FromName, d.FromEmail, d.ToEmail, sentAt)
	if err != nil {
		return fmt.Errorf("create email log detail: %w", err)
	}
	return nil
}

// FirstEmailDetail returns the initial assistant message of a thread, the
// reminder generator's reference content.
func (s *Store) FirstEmailDetail(ctx context.Context, emailLogID uuid.UUID) (*domain.EmailLogDetail, error) {
	var d domain.EmailLogDetail
	var msgID, reminderType sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email_logs_id, message_id, email_subject, email_body,
		       sender_type, reminder_type, from_name, from_email, to_email, sent_at
		FROM email_log_details
		WHERE email_logs_id = $1 AND sender_type = 'assistant'
		ORDER BY sent_at ASC
		LIMIT 1
	`, emailLogID).Scan(
		&d.ID, &d.EmailLogsID, &msgID, &d.Subject, &d.Body,
		&d.SenderType, &reminderType, &d.FromName, &d.FromEmail, &d.ToEmail, &d.SentAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("first email detail: %w", err)
	}
	d.MessageID = msgID.String
	d.ReminderType = reminderType.String
	return &d, nil
}

// MarkEmailReplied sets the reply flag; idempotent under duplicate webhook
// delivery.
func (s *Store) MarkEmailReplied(ctx context.Context, emailLogID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_logs SET has_replied = TRUE WHERE id = $1
	`, emailLogID)
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	return nil
}

// MarkEmailOpened sets the open flag; idempotent.
func (s *Store) MarkEmailOpened(ctx context.Context, emailLogID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_logs SET has_opened = TRUE WHERE id = $1
	`, emailLogID)
	if err != nil {
		return fmt.Errorf("mark opened: %w", err)
	}
	return nil
}

// UpdateReminderState advances the thread's reminder cadence. "Sent" here
// means the reminder was queued, matching how the scheduler defines it.
func (s *Store) UpdateReminderState(ctx context.Context, emailLogID uuid.UUID, stage string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_logs
		SET last_reminder_sent = $2, last_reminder_sent_at = $3
		WHERE id = $1
	`, emailLogID, stage, at)
	if err != nil {
		return fmt.Errorf("update reminder state: %w", err)
	}
	return nil
}

// ReminderCandidate is one thread eligible for the next reminder stage.
type ReminderCandidate struct {
	EmailLogID uuid.UUID
	LeadID     uuid.UUID
	RunID      uuid.UUID
	OpenCount  int
}

// ReminderCandidates selects threads of a campaign eligible for the stage
// after priorStage ("" for the first reminder): prior stage matches, the
// prior timestamp is older than the cadence, nobody replied or booked, the
// lead's email is still good, and no queue item for the next stage exists
// yet. Keyset pagination on the log id.
func (s *Store) ReminderCandidates(ctx context.Context, campaignID uuid.UUID, priorStage string, olderThan time.Time, afterID uuid.UUID, limit int) ([]ReminderCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT el.id, el.lead_id, el.campaign_run_id, CASE WHEN el.has_opened THEN 1 ELSE 0 END
		FROM email_logs el
		JOIN leads l ON l.id = el.lead_id
		WHERE el.campaign_id = $1
		  AND el.has_replied = FALSE
		  AND el.has_meeting_booked = FALSE
		  AND l.deleted = FALSE
		  AND l.unsubscribed = FALSE
		  AND l.email_bounced = FALSE
		  AND (
		    ($2 = '' AND el.last_reminder_sent IS NULL AND el.sent_at < $3)
		    OR
		    ($2 <> '' AND el.last_reminder_sent = $2 AND el.last_reminder_sent_at < $3)
		  )
		  AND el.id > $4
		ORDER BY el.id
		LIMIT $5
	`, campaignID, priorStage, olderThan, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("reminder candidates: %w", err)
	}
	defer rows.Close()

	var out []ReminderCandidate
	for rows.Next() {
		var c ReminderCandidate
		if err := rows.Scan(&c.EmailLogID, &c.LeadID, &c.RunID, &c.OpenCount); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCallRecord inserts the call row at initiation time; the provider
// call id arrives from the transport and completion fields from the
// webhook.
func (s *Store) CreateCallRecord(ctx context.Context, c domain.CallRecord) (uuid.UUID, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, company_id, campaign_id, campaign_run_id, lead_id,
		                   provider_call_id, script, initiated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, NOW())
	`, c.ID, c.CompanyID, c.CampaignID, c.CampaignRunID, c.LeadID, c.ProviderCallID, c.Script)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create call record: %w", err)
	}
	return c.ID, nil
}

// CompleteCallRecord reconciles the telephony completion webhook onto the
// call row, matched by provider call id. Idempotent: completion fields only
// move from empty to set.
func (s *Store) CompleteCallRecord(ctx context.Context, providerCallID string, c domain.CallRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls
		SET duration_seconds = COALESCE(NULLIF($2, 0), duration_seconds),
		    sentiment = COALESCE(NULLIF($3, ''), sentiment),
		    summary = COALESCE(NULLIF($4, ''), summary),
		    transcript = COALESCE(NULLIF($5, ''), transcript),
		    recording_url = COALESCE(NULLIF($6, ''), recording_url),
		    has_meeting_booked = has_meeting_booked OR $7,
		    completed_at = COALESCE(completed_at, NOW())
		WHERE provider_call_id = $1
	`, providerCallID, c.DurationSeconds, c.Sentiment, c.Summary, c.Transcript, c.RecordingURL, c.HasMeetingBooked)
	if err != nil {
		return false, fmt.Errorf("complete call record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateLinkedInLog records one LinkedIn outreach.
func (s *Store) CreateLinkedInLog(ctx context.Context, l domain.LinkedInLog) (uuid.UUID, error) {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO linkedin_logs (id, company_id, campaign_id, campaign_run_id, lead_id,
		                           action, chat_id, message_id, text, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, NOW())
		ON CONFLICT (message_id) DO NOTHING
	`, l.ID, l.CompanyID, l.CampaignID, l.CampaignRunID, l.LeadID,
		l.Action, l.ChatID, l.MessageID, l.Text)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create linkedin log: %w", err)
	}
	return l.ID, nil
}

// LatestLinkedInChat returns the most recent chat id for a lead so follow-up
// messages land in the same conversation.
func (s *Store) LatestLinkedInChat(ctx context.Context, leadID uuid.UUID) (string, error) {
	var chatID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id FROM linkedin_logs
		WHERE lead_id = $1 AND chat_id IS NOT NULL
		ORDER BY sent_at DESC
		LIMIT 1
	`, leadID).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("latest linkedin chat: %w", err)
	}
	return chatID.String, nil
}

// MarkLinkedInReplied flags the latest outreach in a chat as replied.
func (s *Store) MarkLinkedInReplied(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE linkedin_logs SET has_replied = TRUE
		WHERE id = (
			SELECT id FROM linkedin_logs
			WHERE chat_id = $1
			ORDER BY sent_at DESC
			LIMIT 1
		)
	`, chatID)
	if err != nil {
		return fmt.Errorf("mark linkedin replied: %w", err)
	}
	return nil
}

// CountLinkedInInvitations counts invitations sent by a tenant since the
// given instant, the daily invitation cap input.
func (s *Store) CountLinkedInInvitations(ctx context.Context, companyID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM linkedin_logs
		WHERE company_id = $1 AND action = 'invitation' AND sent_at >= $2
	`, companyID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invitations: %w", err)
	}
	return n, nil
}
