package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies the outreach channel a queue item targets.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelCall     Channel = "call"
	ChannelLinkedIn Channel = "linkedin"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelCall, ChannelLinkedIn:
		return true
	}
	return false
}

// QueueStatus enumerates the lifecycle of a queue item.
//
//	pending --[lease]--> processing --[success]--> sent
//	processing --[retryable err]--> pending (scheduled_for advanced)
//	processing --[terminal err]--> failed
//	pending|processing --[cancel]--> cancelled
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed || s == QueueCancelled
}

// StageInitial is the stage of the first outreach to a lead within a run.
// Reminder stages are "r1", "r2", ... up to the campaign's reminder count.
const StageInitial = "initial"

// ReminderStage returns the stage label for the k-th reminder (1-based).
func ReminderStage(k int) string { return fmt.Sprintf("r%d", k) }

// QueueItem is one unit of outbound work: one action for one lead on one
// channel. At most one non-terminal item exists per (run, lead, stage).
type QueueItem struct {
	ID            uuid.UUID   `json:"id"`
	CompanyID     uuid.UUID   `json:"company_id"`
	CampaignID    uuid.UUID   `json:"campaign_id"`
	CampaignRunID uuid.UUID   `json:"campaign_run_id"`
	LeadID        uuid.UUID   `json:"lead_id"`
	Channel       Channel     `json:"channel"`
	Stage         string      `json:"stage"`
	Status        QueueStatus `json:"status"`
	Priority      int         `json:"priority"`

	// Pre-generated content. Reminders are enqueued with subject/body already
	// rendered; initial items usually leave these empty and the dispatcher
	// generates content at send time.
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body,omitempty"`
	CallScript string `json:"call_script,omitempty"`

	// EmailLogID links a reminder item to the log row of the initial send.
	// Nil for initial items.
	EmailLogID *uuid.UUID `json:"email_log_id,omitempty"`

	// Work window copied from throttle settings at enqueue time. Calls honor
	// it strictly; email only when the tenant enables strict hours.
	WorkStart *string `json:"work_window_start,omitempty"` // "HH:MM" wall clock
	WorkEnd   *string `json:"work_window_end,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	LeasedAt     *time.Time `json:"leased_at,omitempty"`
	WorkerID     string     `json:"worker_id,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
}
