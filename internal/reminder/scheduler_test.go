package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/aigen"
	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/store"
)

func TestNewDefaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, time.Hour, s.cfg.Interval)
	assert.Equal(t, DefaultStrategies, s.cfg.Strategies)
}

func TestStageDays(t *testing.T) {
	campaign := &domain.Campaign{DaysBetweenReminders: 5}

	s := New(Config{StageDays: map[int]int{1: 2}})
	assert.Equal(t, 2, s.stageDays(campaign, 1), "per-stage override wins")
	assert.Equal(t, 5, s.stageDays(campaign, 2), "campaign cadence otherwise")

	s = New(Config{})
	assert.Equal(t, 3, s.stageDays(&domain.Campaign{}, 1), "3-day default when nothing is configured")
}

func TestStrategyRotation(t *testing.T) {
	s := New(Config{Strategies: []string{"gentle", "urgency"}})

	assert.Equal(t, "gentle", s.strategy(1))
	assert.Equal(t, "urgency", s.strategy(2))
	// Stages past the list reuse the last entry.
	assert.Equal(t, "urgency", s.strategy(3))
	assert.Equal(t, "urgency", s.strategy(9))
}

func TestDefaultStrategiesCoverSevenStages(t *testing.T) {
	assert.Len(t, DefaultStrategies, 7)
	assert.Equal(t, "break-up", DefaultStrategies[len(DefaultStrategies)-1])
}

func TestReminderStageNames(t *testing.T) {
	assert.Equal(t, "r1", domain.ReminderStage(1))
	assert.Equal(t, "r4", domain.ReminderStage(4))
}

type candidateQuery struct {
	priorStage string
	olderThan  time.Time
	afterID    uuid.UUID
}

// fakeReminderStore serves canned candidates per prior stage and records
// what the sweep did with them.
type fakeReminderStore struct {
	candidates map[string][]store.ReminderCandidate
	throttle   *domain.ThrottleSettings

	// duplicate makes every enqueue report zero inserted rows, as when a
	// previous sweep already queued the stage.
	duplicate bool

	queries  []candidateQuery
	enqueued []domain.QueueItem
	advanced []string
}

func (f *fakeReminderStore) ListCampaignsWithReminders(ctx context.Context, offset, limit int) ([]domain.Campaign, error) {
	return nil, nil
}

func (f *fakeReminderStore) GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error) {
	if f.throttle != nil {
		return *f.throttle, nil
	}
	return domain.DefaultThrottle(companyID, channel), nil
}

func (f *fakeReminderStore) ReminderCandidates(ctx context.Context, campaignID uuid.UUID, priorStage string, olderThan time.Time, afterID uuid.UUID, limit int) ([]store.ReminderCandidate, error) {
	f.queries = append(f.queries, candidateQuery{priorStage: priorStage, olderThan: olderThan, afterID: afterID})
	if afterID != uuid.Nil {
		return nil, nil
	}
	return f.candidates[priorStage], nil
}

func (f *fakeReminderStore) FirstEmailDetail(ctx context.Context, emailLogID uuid.UUID) (*domain.EmailLogDetail, error) {
	return &domain.EmailLogDetail{Subject: "Quick question", Body: "Hi Dana, noticed..."}, nil
}

func (f *fakeReminderStore) GetLead(ctx context.Context, id uuid.UUID) (*domain.Lead, error) {
	return &domain.Lead{ID: id, Name: "Dana Smith", CompanyName: "Example Inc"}, nil
}

func (f *fakeReminderStore) GetProduct(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return &domain.Product{ID: id, Name: "Widget"}, nil
}

func (f *fakeReminderStore) EnqueueItems(ctx context.Context, items []domain.QueueItem) (int, error) {
	f.enqueued = append(f.enqueued, items...)
	if f.duplicate {
		return 0, nil
	}
	return len(items), nil
}

func (f *fakeReminderStore) UpdateReminderState(ctx context.Context, emailLogID uuid.UUID, stage string, at time.Time) error {
	f.advanced = append(f.advanced, fmt.Sprintf("%s:%s", emailLogID, stage))
	return nil
}

func generationServer(t *testing.T) *aigen.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(aigen.Content{Subject: "Following up", Body: "Just floating this back up."})
	}))
	t.Cleanup(srv.Close)
	return aigen.NewClientWithDoer(srv.URL, "k", srv.Client())
}

func reminderCampaign(reminders int) *domain.Campaign {
	return &domain.Campaign{
		ID:                   uuid.New(),
		CompanyID:            uuid.New(),
		ProductID:            uuid.New(),
		Type:                 domain.CampaignEmail,
		NumberOfReminders:    reminders,
		DaysBetweenReminders: 3,
	}
}

func TestSweepCampaignAdvancesStagesInOrder(t *testing.T) {
	campaign := reminderCampaign(2)
	threadA := store.ReminderCandidate{EmailLogID: uuid.New(), LeadID: uuid.New(), RunID: uuid.New()}
	threadB := store.ReminderCandidate{EmailLogID: uuid.New(), LeadID: uuid.New(), RunID: uuid.New(), OpenCount: 2}

	fake := &fakeReminderStore{candidates: map[string][]store.ReminderCandidate{
		"":   {threadA},
		"r1": {threadB},
	}}
	s := New(Config{Store: fake, AI: generationServer(t)})

	queued := s.sweepCampaign(context.Background(), campaign)
	assert.Equal(t, 2, queued)

	// First-page queries walk the stages in order: threads with no reminder
	// yet, then threads sitting on r1.
	var stages []string
	for _, q := range fake.queries {
		if q.afterID == uuid.Nil {
			stages = append(stages, q.priorStage)
			assert.WithinDuration(t, time.Now().UTC().Add(-72*time.Hour), q.olderThan, time.Minute)
		}
	}
	assert.Equal(t, []string{"", "r1"}, stages)

	require.Len(t, fake.enqueued, 2)
	first, second := fake.enqueued[0], fake.enqueued[1]
	assert.Equal(t, "r1", first.Stage)
	require.NotNil(t, first.EmailLogID)
	assert.Equal(t, threadA.EmailLogID, *first.EmailLogID)
	assert.Equal(t, domain.ChannelEmail, first.Channel)
	assert.Equal(t, reminderPriority, first.Priority)
	assert.Equal(t, "Following up", first.Subject)

	assert.Equal(t, "r2", second.Stage)
	require.NotNil(t, second.EmailLogID)
	assert.Equal(t, threadB.EmailLogID, *second.EmailLogID)

	assert.Equal(t, []string{
		threadA.EmailLogID.String() + ":r1",
		threadB.EmailLogID.String() + ":r2",
	}, fake.advanced)
}

func TestSweepCampaignCoalescesAlreadyQueued(t *testing.T) {
	campaign := reminderCampaign(1)
	thread := store.ReminderCandidate{EmailLogID: uuid.New(), LeadID: uuid.New(), RunID: uuid.New()}

	fake := &fakeReminderStore{
		candidates: map[string][]store.ReminderCandidate{"": {thread}},
		duplicate:  true,
	}
	s := New(Config{Store: fake, AI: generationServer(t)})

	// Nothing new queued, but the thread's stage still advances so the next
	// sweep does not regenerate the same reminder forever.
	queued := s.sweepCampaign(context.Background(), campaign)
	assert.Equal(t, 0, queued)
	assert.Equal(t, []string{thread.EmailLogID.String() + ":r1"}, fake.advanced)
}

func TestSweepCampaignCarriesStrictWorkHours(t *testing.T) {
	campaign := reminderCampaign(1)
	thread := store.ReminderCandidate{EmailLogID: uuid.New(), LeadID: uuid.New(), RunID: uuid.New()}
	start, end := "09:00", "17:00"

	fake := &fakeReminderStore{
		candidates: map[string][]store.ReminderCandidate{"": {thread}},
		throttle: &domain.ThrottleSettings{
			CompanyID: campaign.CompanyID, Channel: domain.ChannelEmail,
			Enabled: true, MaxPerHour: 10, MaxPerDay: 50,
			WorkStart: &start, WorkEnd: &end, StrictHours: true,
		},
	}
	s := New(Config{Store: fake, AI: generationServer(t)})

	queued := s.sweepCampaign(context.Background(), campaign)
	assert.Equal(t, 1, queued)
	require.Len(t, fake.enqueued, 1)
	require.NotNil(t, fake.enqueued[0].WorkStart)
	assert.Equal(t, "09:00", *fake.enqueued[0].WorkStart)
	require.NotNil(t, fake.enqueued[0].WorkEnd)
	assert.Equal(t, "17:00", *fake.enqueued[0].WorkEnd)
}
