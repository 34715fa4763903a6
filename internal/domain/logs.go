package domain

import (
	"time"

	"github.com/google/uuid"
)

// EmailLog records one email thread with a lead: the initial send plus any
// reminders. Reply/open/meeting flags are reconciled by webhooks; the
// reminder cadence fields drive the reminder scheduler.
type EmailLog struct {
	ID            uuid.UUID `json:"id"`
	CampaignID    uuid.UUID `json:"campaign_id"`
	CampaignRunID uuid.UUID `json:"campaign_run_id"`
	LeadID        uuid.UUID `json:"lead_id"`
	SentAt        time.Time `json:"sent_at"`

	HasReplied       bool `json:"has_replied"`
	HasOpened        bool `json:"has_opened"`
	HasMeetingBooked bool `json:"has_meeting_booked"`

	// LastReminderSent is the stage label of the latest reminder queued for
	// this thread ("r1", "r2", ...), empty before the first reminder.
	LastReminderSent   string     `json:"last_reminder_sent,omitempty"`
	LastReminderSentAt *time.Time `json:"last_reminder_sent_at,omitempty"`
}

// SenderType tags who authored an email_log_details row.
type SenderType string

const (
	SenderAssistant SenderType = "assistant"
	SenderLead      SenderType = "lead"
)

// EmailLogDetail is one message within a thread. Every successful send
// writes exactly one detail row with SenderType=assistant.
type EmailLogDetail struct {
	ID           uuid.UUID  `json:"id"`
	EmailLogsID  uuid.UUID  `json:"email_logs_id"`
	MessageID    string     `json:"message_id,omitempty"` // provider message id, unique
	Subject      string     `json:"email_subject"`
	Body         string     `json:"email_body"`
	SenderType   SenderType `json:"sender_type"`
	ReminderType string     `json:"reminder_type,omitempty"` // "" for initial sends
	FromName     string     `json:"from_name"`
	FromEmail    string     `json:"from_email"`
	ToEmail      string     `json:"to_email"`
	SentAt       time.Time  `json:"sent_at"`
}

// CallRecord tracks one outbound call. The row is created when the call is
// initiated; duration, sentiment, summary, and transcript arrive later via
// the telephony completion webhook.
type CallRecord struct {
	ID             uuid.UUID `json:"id"`
	CompanyID      uuid.UUID `json:"company_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	CampaignRunID  uuid.UUID `json:"campaign_run_id"`
	LeadID         uuid.UUID `json:"lead_id"`
	ProviderCallID string    `json:"provider_call_id,omitempty"`
	Script         string    `json:"script,omitempty"`
	InitiatedAt    time.Time `json:"initiated_at"`

	DurationSeconds  int        `json:"duration_seconds,omitempty"`
	Sentiment        string     `json:"sentiment,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	Transcript       string     `json:"transcript,omitempty"`
	RecordingURL     string     `json:"recording_url,omitempty"`
	HasMeetingBooked bool       `json:"has_meeting_booked"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// LinkedInAction enumerates what a LinkedIn dispatch actually did.
type LinkedInAction string

const (
	LinkedInMessage    LinkedInAction = "message"
	LinkedInInvitation LinkedInAction = "invitation"
	LinkedInInMail     LinkedInAction = "inmail"
)

// LinkedInLog records one LinkedIn outreach (message, invitation, or InMail).
type LinkedInLog struct {
	ID            uuid.UUID      `json:"id"`
	CompanyID     uuid.UUID      `json:"company_id"`
	CampaignID    uuid.UUID      `json:"campaign_id"`
	CampaignRunID uuid.UUID      `json:"campaign_run_id"`
	LeadID        uuid.UUID      `json:"lead_id"`
	Action        LinkedInAction `json:"action"`
	ChatID        string         `json:"chat_id,omitempty"`    // integrator chat id
	MessageID     string         `json:"message_id,omitempty"` // integrator message id
	Text          string         `json:"text,omitempty"`
	HasReplied    bool           `json:"has_replied"`
	SentAt        time.Time      `json:"sent_at"`
}

// RunCounts summarizes the queue items of a run grouped by status.
type RunCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}
