// Package runs owns the campaign run lifecycle: starting a run enumerates
// eligible leads and enqueues their initial items in bulk; the drain check
// completes a run once its queue empties; cancellation stops pending work
// while letting in-flight items finish.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/store"
)

// Errors surfaced to the API layer.
var (
	ErrCampaignDeleted = errors.New("campaign is deleted")
	ErrCompanyDeleted  = errors.New("company is deleted")
	ErrNoEligibleLeads = errors.New("no eligible leads for campaign channels")
)

// RunStore is the slice of the store the tracker needs.
type RunStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error)
	GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error)
	EligibleLeadIDs(ctx context.Context, companyID uuid.UUID, channels []domain.Channel) ([]uuid.UUID, error)
	CreateRun(ctx context.Context, companyID, campaignID uuid.UUID, leadsTotal int) (*domain.CampaignRun, error)
	EnqueueItems(ctx context.Context, items []domain.QueueItem) (int, error)
	CountPendingOrProcessing(ctx context.Context, runID uuid.UUID) (int, error)
	CompleteRun(ctx context.Context, runID uuid.UUID) (bool, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (bool, error)
	CancelRunItems(ctx context.Context, runID uuid.UUID) (int64, error)
	GetRun(ctx context.Context, id uuid.UUID) (*domain.CampaignRun, error)
	RunCounts(ctx context.Context, runID uuid.UUID) (domain.RunCounts, error)
}

// Tracker drives run state transitions.
type Tracker struct {
	store RunStore
}

func NewTracker(s RunStore) *Tracker {
	return &Tracker{store: s}
}

// Start creates a run for the campaign and enqueues one initial-stage item
// per eligible lead on each of the campaign's launch channels. For
// email_and_call campaigns only the email is enqueued here; the call is
// chained by the email dispatcher after the send.
func (t *Tracker) Start(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignRun, error) {
	campaign, err := t.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign.Deleted {
		return nil, ErrCampaignDeleted
	}
	company, err := t.store.GetCompany(ctx, campaign.CompanyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrCompanyDeleted
		}
		return nil, err
	}

	channels := launchChannels(campaign.Type)
	leadIDs, err := t.store.EligibleLeadIDs(ctx, company.ID, channels)
	if err != nil {
		return nil, err
	}
	if len(leadIDs) == 0 {
		return nil, ErrNoEligibleLeads
	}

	run, err := t.store.CreateRun(ctx, company.ID, campaignID, len(leadIDs))
	if err != nil {
		return nil, err
	}

	items := make([]domain.QueueItem, 0, len(leadIDs)*len(channels))
	now := time.Now().UTC()
	for _, ch := range channels {
		workStart, workEnd := t.workWindow(ctx, company.ID, ch)
		for _, leadID := range leadIDs {
			items = append(items, domain.QueueItem{
				CompanyID:     company.ID,
				CampaignID:    campaignID,
				CampaignRunID: run.ID,
				LeadID:        leadID,
				Channel:       ch,
				Stage:         domain.StageInitial,
				Priority:      1,
				WorkStart:     workStart,
				WorkEnd:       workEnd,
				ScheduledFor:  now,
			})
		}
	}

	inserted, err := t.store.EnqueueItems(ctx, items)
	if err != nil {
		return run, fmt.Errorf("enqueue run %s: %w", run.ID, err)
	}
	log.Printf("[RunTracker] started run %s for campaign %s: %d leads, %d items enqueued",
		run.ID, campaignID, len(leadIDs), inserted)
	return run, nil
}

// workWindow resolves the dispatch window for a channel. Calls always honor
// the tenant's working hours; email and LinkedIn only under strict hours.
func (t *Tracker) workWindow(ctx context.Context, companyID uuid.UUID, ch domain.Channel) (start, end *string) {
	settings, err := t.store.GetThrottleSettings(ctx, companyID, ch)
	if err != nil {
		log.Printf("[RunTracker] throttle settings for %s/%s: %v, enqueueing without window", companyID, ch, err)
		return nil, nil
	}
	if settings.WorkStart == nil || settings.WorkEnd == nil {
		return nil, nil
	}
	if ch == domain.ChannelCall || settings.StrictHours {
		return settings.WorkStart, settings.WorkEnd
	}
	return nil, nil
}

// launchChannels returns the channels a run enqueues at start. email_and_call
// launches on email only; the call follows the send.
func launchChannels(t domain.CampaignType) []domain.Channel {
	if t == domain.CampaignEmailAndCall {
		return []domain.Channel{domain.ChannelEmail}
	}
	return t.Channels()
}

// DrainCheck completes the run if its queue has drained. Safe to call after
// every batch; the completion transition is guarded so repeated and
// concurrent checks cannot double complete or resurrect a cancelled run.
func (t *Tracker) DrainCheck(ctx context.Context, runID uuid.UUID) (bool, error) {
	remaining, err := t.store.CountPendingOrProcessing(ctx, runID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	done, err := t.store.CompleteRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if done {
		log.Printf("[RunTracker] run %s completed", runID)
	}
	return done, nil
}

// Cancel stops a run: the run row first, so dispatchers holding leased items
// see the cancellation before their transport call, then all pending items.
func (t *Tracker) Cancel(ctx context.Context, runID uuid.UUID) error {
	ok, err := t.store.CancelRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		run, err := t.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is %s, cannot cancel", runID, run.Status)
	}
	cancelled, err := t.store.CancelRunItems(ctx, runID)
	if err != nil {
		return err
	}
	log.Printf("[RunTracker] run %s cancelled, %d pending items dropped", runID, cancelled)
	return nil
}

// Summary returns the run with live queue counts.
func (t *Tracker) Summary(ctx context.Context, runID uuid.UUID) (*domain.CampaignRun, domain.RunCounts, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, domain.RunCounts{}, err
	}
	counts, err := t.store.RunCounts(ctx, runID)
	if err != nil {
		return run, counts, err
	}
	return run, counts, nil
}
