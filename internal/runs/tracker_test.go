package runs

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/store"
)

// fakeRunStore records queue mutations in memory so tests can assert on the
// tracker's transitions without a database.
type fakeRunStore struct {
	campaign *domain.Campaign
	company  *domain.Company
	settings map[domain.Channel]domain.ThrottleSettings
	leadIDs  []uuid.UUID

	run       *domain.CampaignRun
	enqueued  []domain.QueueItem
	remaining int

	completeCalled  int
	completed       bool
	cancelRunOK     bool
	cancelledItems  int64
	cancelRunCalled int
}

func (f *fakeRunStore) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return f.campaign, nil
}

func (f *fakeRunStore) GetCompany(ctx context.Context, id uuid.UUID) (*domain.Company, error) {
	if f.company == nil {
		return nil, store.ErrNotFound
	}
	return f.company, nil
}

func (f *fakeRunStore) GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error) {
	if s, ok := f.settings[channel]; ok {
		return s, nil
	}
	return domain.DefaultThrottle(companyID, channel), nil
}

func (f *fakeRunStore) EligibleLeadIDs(ctx context.Context, companyID uuid.UUID, channels []domain.Channel) ([]uuid.UUID, error) {
	return f.leadIDs, nil
}

func (f *fakeRunStore) CreateRun(ctx context.Context, companyID, campaignID uuid.UUID, leadsTotal int) (*domain.CampaignRun, error) {
	f.run = &domain.CampaignRun{
		ID:         uuid.New(),
		CompanyID:  companyID,
		CampaignID: campaignID,
		Status:     domain.RunRunning,
		LeadsTotal: leadsTotal,
	}
	return f.run, nil
}

func (f *fakeRunStore) EnqueueItems(ctx context.Context, items []domain.QueueItem) (int, error) {
	f.enqueued = append(f.enqueued, items...)
	return len(items), nil
}

func (f *fakeRunStore) CountPendingOrProcessing(ctx context.Context, runID uuid.UUID) (int, error) {
	return f.remaining, nil
}

func (f *fakeRunStore) CompleteRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	f.completeCalled++
	if f.completed {
		return false, nil
	}
	f.completed = true
	return true, nil
}

func (f *fakeRunStore) CancelRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	f.cancelRunCalled++
	return f.cancelRunOK, nil
}

func (f *fakeRunStore) CancelRunItems(ctx context.Context, runID uuid.UUID) (int64, error) {
	return f.cancelledItems, nil
}

func (f *fakeRunStore) GetRun(ctx context.Context, id uuid.UUID) (*domain.CampaignRun, error) {
	if f.run == nil {
		return nil, store.ErrNotFound
	}
	return f.run, nil
}

func (f *fakeRunStore) RunCounts(ctx context.Context, runID uuid.UUID) (domain.RunCounts, error) {
	return domain.RunCounts{Sent: 2, Failed: 1}, nil
}

func testCampaign(typ domain.CampaignType) *domain.Campaign {
	return &domain.Campaign{
		ID:        uuid.New(),
		CompanyID: uuid.New(),
		Name:      "Q3 outreach",
		Type:      typ,
	}
}

func TestStartEnqueuesInitialItems(t *testing.T) {
	campaign := testCampaign(domain.CampaignEmail)
	fs := &fakeRunStore{
		campaign: campaign,
		company:  &domain.Company{ID: campaign.CompanyID, Timezone: "UTC"},
		leadIDs:  []uuid.UUID{uuid.New(), uuid.New(), uuid.New()},
	}
	tracker := NewTracker(fs)

	run, err := tracker.Start(context.Background(), campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 3, run.LeadsTotal)

	require.Len(t, fs.enqueued, 3)
	for _, it := range fs.enqueued {
		assert.Equal(t, domain.ChannelEmail, it.Channel)
		assert.Equal(t, domain.StageInitial, it.Stage)
		assert.Equal(t, 1, it.Priority)
		assert.Equal(t, run.ID, it.CampaignRunID)
	}
}

func TestStartEmailAndCallLaunchesEmailOnly(t *testing.T) {
	// The call leg is chained by the dispatcher after the email goes out, so
	// starting the run enqueues only email items.
	campaign := testCampaign(domain.CampaignEmailAndCall)
	fs := &fakeRunStore{
		campaign: campaign,
		company:  &domain.Company{ID: campaign.CompanyID},
		leadIDs:  []uuid.UUID{uuid.New(), uuid.New()},
	}
	tracker := NewTracker(fs)

	_, err := tracker.Start(context.Background(), campaign.ID)
	require.NoError(t, err)

	require.Len(t, fs.enqueued, 2)
	for _, it := range fs.enqueued {
		assert.Equal(t, domain.ChannelEmail, it.Channel)
	}
}

func TestStartWorkWindows(t *testing.T) {
	start, end := "09:00", "17:00"
	campaign := testCampaign(domain.CampaignCall)
	fs := &fakeRunStore{
		campaign: campaign,
		company:  &domain.Company{ID: campaign.CompanyID},
		leadIDs:  []uuid.UUID{uuid.New()},
		settings: map[domain.Channel]domain.ThrottleSettings{
			domain.ChannelCall: {Enabled: true, WorkStart: &start, WorkEnd: &end},
		},
	}
	tracker := NewTracker(fs)

	_, err := tracker.Start(context.Background(), campaign.ID)
	require.NoError(t, err)

	// Calls always carry the window.
	require.Len(t, fs.enqueued, 1)
	require.NotNil(t, fs.enqueued[0].WorkStart)
	assert.Equal(t, "09:00", *fs.enqueued[0].WorkStart)
}

func TestStartEmailWindowOnlyUnderStrictHours(t *testing.T) {
	start, end := "09:00", "17:00"
	for _, strict := range []bool{false, true} {
		campaign := testCampaign(domain.CampaignEmail)
		fs := &fakeRunStore{
			campaign: campaign,
			company:  &domain.Company{ID: campaign.CompanyID},
			leadIDs:  []uuid.UUID{uuid.New()},
			settings: map[domain.Channel]domain.ThrottleSettings{
				domain.ChannelEmail: {Enabled: true, WorkStart: &start, WorkEnd: &end, StrictHours: strict},
			},
		}
		_, err := NewTracker(fs).Start(context.Background(), campaign.ID)
		require.NoError(t, err)
		require.Len(t, fs.enqueued, 1)
		if strict {
			assert.NotNil(t, fs.enqueued[0].WorkStart, "strict hours should pin the window")
		} else {
			assert.Nil(t, fs.enqueued[0].WorkStart, "email ignores the window without strict hours")
		}
	}
}

func TestStartDeletedCampaign(t *testing.T) {
	campaign := testCampaign(domain.CampaignEmail)
	campaign.Deleted = true
	tracker := NewTracker(&fakeRunStore{campaign: campaign})

	_, err := tracker.Start(context.Background(), campaign.ID)
	assert.ErrorIs(t, err, ErrCampaignDeleted)
}

func TestStartMissingCompany(t *testing.T) {
	campaign := testCampaign(domain.CampaignEmail)
	tracker := NewTracker(&fakeRunStore{campaign: campaign, company: nil})

	_, err := tracker.Start(context.Background(), campaign.ID)
	assert.ErrorIs(t, err, ErrCompanyDeleted)
}

func TestStartNoEligibleLeads(t *testing.T) {
	campaign := testCampaign(domain.CampaignEmail)
	tracker := NewTracker(&fakeRunStore{
		campaign: campaign,
		company:  &domain.Company{ID: campaign.CompanyID},
	})

	_, err := tracker.Start(context.Background(), campaign.ID)
	assert.ErrorIs(t, err, ErrNoEligibleLeads)
}

func TestDrainCheck(t *testing.T) {
	fs := &fakeRunStore{remaining: 2}
	tracker := NewTracker(fs)
	runID := uuid.New()

	done, err := tracker.DrainCheck(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, done, "items remain, run stays open")
	assert.Zero(t, fs.completeCalled)

	fs.remaining = 0
	done, err = tracker.DrainCheck(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, done)

	// A second drain check is a no-op: the guarded transition already fired.
	done, err = tracker.DrainCheck(context.Background(), runID)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, fs.completeCalled)
}

func TestCancel(t *testing.T) {
	fs := &fakeRunStore{cancelRunOK: true, cancelledItems: 4}
	tracker := NewTracker(fs)

	err := tracker.Cancel(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, fs.cancelRunCalled)
}

func TestCancelTerminalRun(t *testing.T) {
	fs := &fakeRunStore{
		cancelRunOK: false,
		run:         &domain.CampaignRun{ID: uuid.New(), Status: domain.RunCompleted},
	}
	tracker := NewTracker(fs)

	err := tracker.Cancel(context.Background(), fs.run.ID)
	assert.ErrorContains(t, err, "completed")
}

func TestSummary(t *testing.T) {
	fs := &fakeRunStore{
		run: &domain.CampaignRun{ID: uuid.New(), Status: domain.RunRunning},
	}
	tracker := NewTracker(fs)

	run, counts, err := tracker.Summary(context.Background(), fs.run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Equal(t, 2, counts.Sent)
	assert.Equal(t, 1, counts.Failed)
}
