// Package reminder schedules staged email follow-ups. Each campaign with
// reminders configured walks its threads hourly: a thread whose previous
// stage is old enough, with no reply and no meeting booked, gets the next
// stage generated and queued. "Sent" for cadence purposes means queued; the
// email queue owns actual delivery.
package reminder

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/engage/internal/aigen"
	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/distlock"
	"github.com/cadencehq/engage/internal/store"
)

const (
	campaignPageSize  = 50
	candidatePageSize = 100

	// reminderPriority outranks initial sends so follow-ups keep their
	// cadence even when a new run floods the queue.
	reminderPriority = 2
)

// DefaultStrategies is the follow-up angle per stage, passed to the content
// service as an opaque tag. Stages beyond the list reuse the last entry.
var DefaultStrategies = []string{
	"gentle",
	"value-add",
	"social-proof",
	"problem-solution",
	"urgency",
	"alt-approach",
	"break-up",
}

// ReminderStore is the store surface one sweep touches. *store.Store
// satisfies it.
type ReminderStore interface {
	ListCampaignsWithReminders(ctx context.Context, offset, limit int) ([]domain.Campaign, error)
	GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error)
	ReminderCandidates(ctx context.Context, campaignID uuid.UUID, priorStage string, olderThan time.Time, afterID uuid.UUID, limit int) ([]store.ReminderCandidate, error)
	FirstEmailDetail(ctx context.Context, emailLogID uuid.UUID) (*domain.EmailLogDetail, error)
	GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error)
	GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	EnqueueItems(ctx context.Context, items []domain.QueueItem) (int, error)
	UpdateReminderState(ctx context.Context, emailLogID uuid.UUID, stage string, at time.Time) error
}

// Config sets up the scheduler.
type Config struct {
	Interval   time.Duration // default 1h
	Strategies []string      // default DefaultStrategies

	// StageDays overrides the wait before stage k (1-based); campaigns fall
	// back to their uniform days_between_reminders.
	StageDays map[int]int

	Store ReminderStore
	AI    *aigen.Client

	Redis *redis.Client
	DB    *sql.DB
}

// Scheduler runs the reminder sweep.
type Scheduler struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = DefaultStrategies
	}
	return &Scheduler{cfg: cfg}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	log.Printf("[Reminder] started (interval %s)", s.cfg.Interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	log.Printf("[Reminder] stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// RunOnce executes one sweep under the scheduler lock; also the entry point
// for the ops CLI. Returns the number of reminders queued.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	lock := distlock.NewLock(s.cfg.Redis, s.cfg.DB, "reminders", 2*s.cfg.Interval)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Reminder] lock: %v", err)
		return 0
	}
	if !acquired {
		return 0
	}
	defer lock.Release(context.Background())

	queued := 0
	for offset := 0; ; offset += campaignPageSize {
		if ctx.Err() != nil {
			return queued
		}
		campaigns, err := s.cfg.Store.ListCampaignsWithReminders(ctx, offset, campaignPageSize)
		if err != nil {
			log.Printf("[Reminder] list campaigns: %v", err)
			return queued
		}
		if len(campaigns) == 0 {
			return queued
		}
		for i := range campaigns {
			queued += s.sweepCampaign(ctx, &campaigns[i])
		}
	}
}

// sweepCampaign advances every eligible thread of one campaign by one
// stage. A failure on one thread skips it; the next sweep picks it up.
func (s *Scheduler) sweepCampaign(ctx context.Context, campaign *domain.Campaign) int {
	now := time.Now().UTC()
	queued := 0

	settings, err := s.cfg.Store.GetThrottleSettings(ctx, campaign.CompanyID, domain.ChannelEmail)
	if err != nil {
		log.Printf("[Reminder] throttle settings for %s: %v", campaign.CompanyID, err)
		settings = domain.DefaultThrottle(campaign.CompanyID, domain.ChannelEmail)
	}
	var workStart, workEnd *string
	if settings.StrictHours {
		workStart, workEnd = settings.WorkStart, settings.WorkEnd
	}

	for k := 1; k <= campaign.NumberOfReminders; k++ {
		stage := domain.ReminderStage(k)
		priorStage := ""
		if k > 1 {
			priorStage = domain.ReminderStage(k - 1)
		}
		olderThan := now.Add(-time.Duration(s.stageDays(campaign, k)) * 24 * time.Hour)

		afterID := uuid.Nil
		for {
			if ctx.Err() != nil {
				return queued
			}
			candidates, err := s.cfg.Store.ReminderCandidates(ctx, campaign.ID, priorStage, olderThan, afterID, candidatePageSize)
			if err != nil {
				log.Printf("[Reminder] candidates for %s stage %s: %v", campaign.ID, stage, err)
				break
			}
			if len(candidates) == 0 {
				break
			}
			for _, cand := range candidates {
				if s.queueReminder(ctx, campaign, stage, k, cand, workStart, workEnd) {
					queued++
				}
			}
			afterID = candidates[len(candidates)-1].EmailLogID
		}
	}
	return queued
}

func (s *Scheduler) stageDays(campaign *domain.Campaign, k int) int {
	if d, ok := s.cfg.StageDays[k]; ok && d > 0 {
		return d
	}
	if campaign.DaysBetweenReminders > 0 {
		return campaign.DaysBetweenReminders
	}
	return 3
}

func (s *Scheduler) strategy(k int) string {
	if k-1 < len(s.cfg.Strategies) {
		return s.cfg.Strategies[k-1]
	}
	return s.cfg.Strategies[len(s.cfg.Strategies)-1]
}

// queueReminder generates the follow-up and enqueues it, then records the
// stage on the thread so the next sweep moves on.
func (s *Scheduler) queueReminder(ctx context.Context, campaign *domain.Campaign, stage string, k int, cand store.ReminderCandidate, workStart, workEnd *string) bool {
	first, err := s.cfg.Store.FirstEmailDetail(ctx, cand.EmailLogID)
	if err != nil {
		log.Printf("[Reminder] first detail for thread %s: %v", cand.EmailLogID, err)
		return false
	}
	lead, err := s.cfg.Store.GetLead(ctx, cand.LeadID)
	if err != nil {
		log.Printf("[Reminder] lead %s: %v", cand.LeadID, err)
		return false
	}
	product, err := s.cfg.Store.GetProduct(ctx, campaign.ProductID)
	if err != nil {
		log.Printf("[Reminder] product %s: %v", campaign.ProductID, err)
		return false
	}

	content, err := s.cfg.AI.Generate(ctx, aigen.Request{
		Channel:          string(domain.ChannelEmail),
		Stage:            stage,
		Strategy:         s.strategy(k),
		CampaignID:       campaign.ID.String(),
		LeadID:           lead.ID.String(),
		LeadName:         lead.Name,
		LeadCompany:      lead.CompanyName,
		JobTitle:         lead.JobTitle,
		Enrichment:       lead.Enrichment,
		ProductName:      product.Name,
		ProductDesc:      product.Description,
		ReferenceSubject: first.Subject,
		ReferenceBody:    first.Body,
		HasOpened:        cand.OpenCount > 0,
	})
	if err != nil {
		log.Printf("[Reminder] generate %s for thread %s: %v", stage, cand.EmailLogID, err)
		return false
	}

	logID := cand.EmailLogID
	inserted, err := s.cfg.Store.EnqueueItems(ctx, []domain.QueueItem{{
		CompanyID:     campaign.CompanyID,
		CampaignID:    campaign.ID,
		CampaignRunID: cand.RunID,
		LeadID:        cand.LeadID,
		Channel:       domain.ChannelEmail,
		Stage:         stage,
		Priority:      reminderPriority,
		Subject:       content.Subject,
		Body:          content.Body,
		EmailLogID:    &logID,
		WorkStart:     workStart,
		WorkEnd:       workEnd,
		ScheduledFor:  time.Now().UTC(),
	}})
	if err != nil {
		log.Printf("[Reminder] enqueue %s for thread %s: %v", stage, cand.EmailLogID, err)
		return false
	}
	if inserted == 0 {
		// A previous sweep already queued this stage; just advance the thread.
		log.Printf("[Reminder] stage %s already queued for thread %s", stage, cand.EmailLogID)
	}

	if err := s.cfg.Store.UpdateReminderState(ctx, cand.EmailLogID, stage, time.Now().UTC()); err != nil {
		log.Printf("[Reminder] update reminder state for thread %s: %v", cand.EmailLogID, err)
		return false
	}
	return inserted > 0
}
