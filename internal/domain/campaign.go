package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountType identifies the email provider a tenant's sending account uses.
type AccountType string

const (
	AccountGmail   AccountType = "gmail"
	AccountOutlook AccountType = "outlook"
	AccountSES     AccountType = "ses"
	AccountSMTP    AccountType = "smtp"
)

// Company is the tenant: the top-level isolation boundary. It owns its
// products, leads, campaigns, runs, queue items, and logs. Channel
// credentials are stored encrypted and decrypted only in memory for a send.
type Company struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Timezone string    `json:"timezone"` // IANA name, work windows are wall clock here

	AccountEmail    string      `json:"account_email,omitempty"`
	AccountPassword string      `json:"-"` // encrypted at rest
	AccountType     AccountType `json:"account_type,omitempty"`
	ReplyDomain     string      `json:"reply_domain,omitempty"`

	PhoneNumber string `json:"phone_number,omitempty"` // caller id for outbound calls

	LinkedInAccountID string `json:"linkedin_account_id,omitempty"` // integrator account id
	LinkedInConnected bool   `json:"linkedin_connected"`

	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// Product is tenant-scoped and soft-deleted only, so historical logs keep
// resolving their references.
type Product struct {
	ID          uuid.UUID `json:"id"`
	CompanyID   uuid.UUID `json:"company_id"`
	Name        string    `json:"product_name"`
	Description string    `json:"description,omitempty"`
	Deleted     bool      `json:"deleted"`
}

// Lead is a tenant-scoped contact. Contact keys (email, phone, LinkedIn id)
// are immutable once set; enrichment fields may be updated.
type Lead struct {
	ID        uuid.UUID `json:"id"`
	CompanyID uuid.UUID `json:"company_id"`
	Name      string    `json:"name"`

	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	LinkedInID  string `json:"personal_linkedin_id,omitempty"`

	// FIRST_DEGREE leads get direct messages; others need an invitation.
	LinkedInDistance string `json:"linkedin_network_distance,omitempty"`

	CompanyName  string `json:"company,omitempty"`
	JobTitle     string `json:"job_title,omitempty"`
	CompanySize  string `json:"company_size,omitempty"`
	Enrichment   string `json:"enrichment,omitempty"` // cached insights JSON
	EmailBounced bool   `json:"email_bounced"`
	Unsubscribed bool   `json:"unsubscribed"`
	DoNotContact bool   `json:"do_not_contact"`
	Deleted      bool   `json:"deleted"`
}

// ContactFor returns the contact key for a channel, empty when the lead
// cannot be reached on it.
func (l *Lead) ContactFor(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return l.Email
	case ChannelCall:
		return l.PhoneNumber
	case ChannelLinkedIn:
		return l.LinkedInID
	}
	return ""
}

// CampaignType enumerates which channels a campaign drives.
type CampaignType string

const (
	CampaignEmail        CampaignType = "email"
	CampaignCall         CampaignType = "call"
	CampaignLinkedIn     CampaignType = "linkedin"
	CampaignEmailAndCall CampaignType = "email_and_call"
)

// Channels returns the outreach channels the campaign type enables.
func (t CampaignType) Channels() []Channel {
	switch t {
	case CampaignEmail:
		return []Channel{ChannelEmail}
	case CampaignCall:
		return []Channel{ChannelCall}
	case CampaignLinkedIn:
		return []Channel{ChannelLinkedIn}
	case CampaignEmailAndCall:
		return []Channel{ChannelEmail, ChannelCall}
	}
	return nil
}

// Campaign is a tenant-scoped outreach definition with templates per
// enabled channel and reminder cadence parameters.
type Campaign struct {
	ID        uuid.UUID    `json:"id"`
	CompanyID uuid.UUID    `json:"company_id"`
	ProductID uuid.UUID    `json:"product_id"`
	Name      string       `json:"name"`
	Type      CampaignType `json:"type"`

	Template           string `json:"template,omitempty"` // email body template
	CallScriptTemplate string `json:"call_script_template,omitempty"`
	LinkedInTemplate   string `json:"linkedin_message_template,omitempty"`
	InvitationTemplate string `json:"linkedin_invitation_template,omitempty"`
	InMailEnabled      bool   `json:"linkedin_inmail_enabled"`

	// TriggerCallOn controls call chaining for email_and_call campaigns.
	// "after_email_sent" enqueues a call once the initial email goes out.
	TriggerCallOn string `json:"trigger_call_on,omitempty"`

	NumberOfReminders    int `json:"number_of_reminders"`
	DaysBetweenReminders int `json:"days_between_reminders"`

	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStatus enumerates campaign run lifecycle states; transitions are
// monotone: idle -> running -> completed | cancelled.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
)

// CampaignRun is one execution of a campaign against a lead set.
type CampaignRun struct {
	ID             uuid.UUID  `json:"id"`
	CompanyID      uuid.UUID  `json:"company_id"`
	CampaignID     uuid.UUID  `json:"campaign_id"`
	Status         RunStatus  `json:"status"`
	LeadsTotal     int        `json:"leads_total"`
	LeadsProcessed int        `json:"leads_processed"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
}

// ThrottleSettings caps sends for one tenant on one channel. Counters track
// sent items (status=sent), not attempts. A work window is wall clock in the
// tenant timezone and may wrap midnight.
type ThrottleSettings struct {
	CompanyID  uuid.UUID `json:"company_id"`
	Channel    Channel   `json:"channel"`
	Enabled    bool      `json:"enabled"`
	MaxPerHour int       `json:"max_per_hour"`
	MaxPerDay  int       `json:"max_per_day"`

	WorkStart *string `json:"start_time,omitempty"` // "HH:MM"
	WorkEnd   *string `json:"end_time,omitempty"`

	// StrictHours extends the work window to email; calls always honor it.
	StrictHours bool `json:"strict_hours"`
}

// DefaultThrottle returns the settings used when a tenant has none stored.
func DefaultThrottle(companyID uuid.UUID, ch Channel) ThrottleSettings {
	return ThrottleSettings{
		CompanyID:  companyID,
		Channel:    ch,
		Enabled:    true,
		MaxPerHour: 300,
		MaxPerDay:  300,
	}
}
