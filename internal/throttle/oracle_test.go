package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/engage/internal/domain"
)

type fakeCounter struct {
	settings domain.ThrottleSettings
	sentHour int
	sentDay  int
}

func (f *fakeCounter) GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error) {
	return f.settings, nil
}

func (f *fakeCounter) CountSent(ctx context.Context, companyID uuid.UUID, channel domain.Channel, since time.Time) (int, error) {
	// The hourly window is the shorter lookback.
	if time.Since(since) < 2*time.Hour {
		return f.sentHour, nil
	}
	return f.sentDay, nil
}

func TestBudget(t *testing.T) {
	companyID := uuid.New()
	now := time.Now().UTC()

	tests := []struct {
		name     string
		settings domain.ThrottleSettings
		sentHour int
		sentDay  int
		batchCap int
		expected int
	}{
		{
			name:     "disabled yields batch cap",
			settings: domain.ThrottleSettings{Enabled: false, MaxPerHour: 1, MaxPerDay: 1},
			sentHour: 100, sentDay: 100,
			batchCap: 10,
			expected: 10,
		},
		{
			name:     "hourly is the binding window",
			settings: domain.ThrottleSettings{Enabled: true, MaxPerHour: 20, MaxPerDay: 300},
			sentHour: 17, sentDay: 40,
			batchCap: 10,
			expected: 3,
		},
		{
			name:     "daily is the binding window",
			settings: domain.ThrottleSettings{Enabled: true, MaxPerHour: 300, MaxPerDay: 50},
			sentHour: 2, sentDay: 48,
			batchCap: 10,
			expected: 2,
		},
		{
			name:     "budget clamps to batch cap",
			settings: domain.ThrottleSettings{Enabled: true, MaxPerHour: 300, MaxPerDay: 300},
			sentHour: 0, sentDay: 0,
			batchCap: 10,
			expected: 10,
		},
		{
			name:     "over cap clamps to zero",
			settings: domain.ThrottleSettings{Enabled: true, MaxPerHour: 10, MaxPerDay: 300},
			sentHour: 15, sentDay: 15,
			batchCap: 10,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := NewOracle(&fakeCounter{
				settings: tt.settings,
				sentHour: tt.sentHour,
				sentDay:  tt.sentDay,
			}, tt.batchCap)

			budget, err := oracle.Budget(context.Background(), companyID, domain.ChannelEmail, now)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, budget)
		})
	}
}

func TestNewOracleDefaultsBatchCap(t *testing.T) {
	oracle := NewOracle(&fakeCounter{
		settings: domain.ThrottleSettings{Enabled: false},
	}, 0)
	budget, err := oracle.Budget(context.Background(), uuid.New(), domain.ChannelCall, time.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchCap, budget)
}
