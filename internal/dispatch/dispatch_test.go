package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/retrypolicy"
	"github.com/cadencehq/engage/internal/store"
)

func setupDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Dispatcher{Store: store.New(db)}, mock
}

func leasedItem(stage string) domain.QueueItem {
	return domain.QueueItem{
		ID:            uuid.New(),
		CompanyID:     uuid.New(),
		CampaignRunID: uuid.New(),
		LeadID:        uuid.New(),
		Channel:       domain.ChannelEmail,
		Stage:         stage,
		Status:        domain.QueueProcessing,
		RetryCount:    0,
		MaxRetries:    3,
	}
}

func TestSettleSuccessInitialStage(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)

	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE campaign_runs").
		WithArgs(item.CampaignRunID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.settle(context.Background(), item, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSuccessReminderStageSkipsProgress(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem("r1")

	// Reminders do not advance the run's leads_processed counter.
	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.settle(context.Background(), item, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleSentButLeaseLost(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)

	// Recovery reclaimed the row mid-send. Nothing to unwind.
	mock.ExpectExec("UPDATE queue_items").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, d.settle(context.Background(), item, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleProviderWindowRequeue(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)
	item.RetryCount = 2
	at := time.Now().Add(45 * time.Minute)

	// Provider-window parking keeps the retry count where it was.
	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, at, 2, "telephony hourly cap reached").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, &requeueAt{at: at, reason: "telephony hourly cap reached"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleRateLimitedKeepsRetryBudget(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)
	item.RetryCount = 1

	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, fmt.Errorf("send: %w", retrypolicy.ErrRateLimited))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleAuthFailurePausesChannel(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)

	mock.ExpectExec("INSERT INTO channel_pauses").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, domain.QueueFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, fmt.Errorf("smtp auth: %w", retrypolicy.ErrAuth))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlePermanentDropsSiblingItems(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)

	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.LeadID, item.Channel, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, domain.QueueFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, fmt.Errorf("rcpt: %w", retrypolicy.ErrPermanent))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTransientRequeuesWithBackoff(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)
	item.RetryCount = 1

	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, sqlmock.AnyArg(), 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, errors.New("connection reset by peer"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleTransientExhaustedFails(t *testing.T) {
	d, mock := setupDispatcher(t)
	item := leasedItem(domain.StageInitial)
	item.RetryCount = 2
	item.MaxRetries = 3

	mock.ExpectExec("UPDATE queue_items").
		WithArgs(item.ID, domain.QueueFailed, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.settle(context.Background(), item, errors.New("connection reset by peer"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyFor(t *testing.T) {
	assert.Equal(t, retrypolicy.EmailPolicy(), policyFor(domain.ChannelEmail))
	assert.Equal(t, retrypolicy.DefaultPolicy(), policyFor(domain.ChannelCall))
	assert.Equal(t, retrypolicy.DefaultPolicy(), policyFor(domain.ChannelLinkedIn))
}

func TestSenderName(t *testing.T) {
	tests := []struct {
		email    string
		company  string
		expected string
	}{
		{"jane.doe@acme.com", "Acme", "Jane Doe"},
		{"jane_doe@acme.com", "Acme", "Jane Doe"},
		{"jane-doe2@acme.com", "Acme", "Jane Doe"},
		{"sales@acme.com", "Acme", "Sales"},
		{"12345@acme.com", "Acme", "Acme"},
		{"", "Acme", "Acme"},
		{"no-at-sign", "Acme", "Acme"},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.expected, senderName(tt.email, tt.company))
		})
	}
}

func TestTenantLocation(t *testing.T) {
	loc := tenantLocation("America/Chicago")
	assert.Equal(t, "America/Chicago", loc.String())

	assert.Equal(t, time.UTC, tenantLocation("Not/AZone"))
	assert.Equal(t, time.UTC, tenantLocation(""))
}

func TestTrackingPixel(t *testing.T) {
	logID := uuid.New()
	pixel := trackingPixel("https://engage.example.com", logID)
	assert.Contains(t, pixel, "https://engage.example.com/t/open/"+logID.String()+".png")
	assert.Contains(t, pixel, `width="1" height="1"`)
}

func TestRenderTemplate(t *testing.T) {
	j := &job{
		lead: &domain.Lead{
			Name:        "Dana Smith",
			Email:       "dana@example.com",
			CompanyName: "Example Inc",
			JobTitle:    "VP Engineering",
		},
		company: &domain.Company{Name: "Acme"},
		product: &domain.Product{Name: "Widget", Description: "A widget"},
	}

	out, err := renderTemplate("Hi {{ lead.name }}, {{ product.name }} could help {{ lead.company }}.", j)
	require.NoError(t, err)
	assert.Equal(t, "Hi Dana Smith, Widget could help Example Inc.", out)
}

func TestRenderTemplateErrorIsTerminal(t *testing.T) {
	j := &job{
		lead:    &domain.Lead{},
		company: &domain.Company{},
		product: &domain.Product{},
	}

	_, err := renderTemplate("{% broken", j)
	assert.ErrorIs(t, err, retrypolicy.ErrDataIntegrity)
}
