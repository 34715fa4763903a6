// Package throttle decides how much work a tenant channel may dispatch.
//
// Tenant budgets come from committed sent-counts in the database; global
// provider ceilings (telephony, LinkedIn invitations) are enforced with
// atomic Redis Lua counters so concurrent pollers cannot race past a cap.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/engage/internal/domain"
)

// DefaultBatchCap bounds one poll batch regardless of remaining budget.
const DefaultBatchCap = 10

// SentCounter is the slice of the store the oracle needs.
type SentCounter interface {
	GetThrottleSettings(ctx context.Context, companyID uuid.UUID, channel domain.Channel) (domain.ThrottleSettings, error)
	CountSent(ctx context.Context, companyID uuid.UUID, channel domain.Channel, since time.Time) (int, error)
}

// Oracle computes per-tenant send budgets.
type Oracle struct {
	store    SentCounter
	batchCap int
}

// NewOracle creates an oracle with the given per-batch safety cap
// (DefaultBatchCap when cap <= 0).
func NewOracle(store SentCounter, batchCap int) *Oracle {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	return &Oracle{store: store, batchCap: batchCap}
}

// Budget returns how many items the tenant may dispatch on the channel
// right now: min(hourly remaining, daily remaining) over committed sends,
// clamped to [0, batchCap]. Disabled throttling yields the batch cap.
func (o *Oracle) Budget(ctx context.Context, companyID uuid.UUID, channel domain.Channel, now time.Time) (int, error) {
	settings, err := o.store.GetThrottleSettings(ctx, companyID, channel)
	if err != nil {
		return 0, fmt.Errorf("throttle settings: %w", err)
	}
	if !settings.Enabled {
		return o.batchCap, nil
	}

	sentHour, err := o.store.CountSent(ctx, companyID, channel, now.Add(-time.Hour))
	if err != nil {
		return 0, fmt.Errorf("hourly sent count: %w", err)
	}
	sentDay, err := o.store.CountSent(ctx, companyID, channel, now.Add(-24*time.Hour))
	if err != nil {
		return 0, fmt.Errorf("daily sent count: %w", err)
	}

	budget := min(settings.MaxPerHour-sentHour, settings.MaxPerDay-sentDay)
	if budget < 0 {
		budget = 0
	}
	return min(budget, o.batchCap), nil
}
