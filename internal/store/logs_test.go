package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReminderCandidates(t *testing.T) {
	st, mock := setupTestStore(t)
	campaignID := uuid.New()
	logID := uuid.New()
	leadID := uuid.New()
	runID := uuid.New()
	olderThan := time.Now().Add(-72 * time.Hour)

	rows := sqlmock.NewRows([]string{"id", "lead_id", "campaign_run_id", "open_count"}).
		AddRow(logID, leadID, runID, 1)
	mock.ExpectQuery(`has_replied = FALSE`).
		WithArgs(campaignID, "r1", olderThan, uuid.Nil, 100).
		WillReturnRows(rows)

	out, err := st.ReminderCandidates(context.Background(), campaignID, "r1", olderThan, uuid.Nil, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, logID, out[0].EmailLogID)
	assert.Equal(t, leadID, out[0].LeadID)
	assert.Equal(t, runID, out[0].RunID)
	assert.Equal(t, 1, out[0].OpenCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReminderCandidatesExcludesEngagedThreads(t *testing.T) {
	st, mock := setupTestStore(t)
	campaignID := uuid.New()

	// Replies, booked meetings, and dead addresses all drop a thread out of
	// the cadence at selection time.
	mock.ExpectQuery(`has_replied = FALSE[\s\S]*has_meeting_booked = FALSE[\s\S]*unsubscribed = FALSE[\s\S]*email_bounced = FALSE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "lead_id", "campaign_run_id", "open_count"}))

	out, err := st.ReminderCandidates(context.Background(), campaignID, "", time.Now(), uuid.Nil, 100)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
