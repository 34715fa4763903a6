package throttle

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, limits map[string]ProviderLimit) *ProviderGuard {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g := NewProviderGuard(client)
	if limits != nil {
		g.limits = limits
	}
	return g
}

func TestReserveWithinLimit(t *testing.T) {
	g := newTestGuard(t, map[string]ProviderLimit{
		"telephony": {PerHour: 3, PerDay: 10},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, wait, err := g.Reserve(ctx, "telephony", 1)
		require.NoError(t, err)
		assert.True(t, allowed, "reservation %d should succeed", i+1)
		assert.Zero(t, wait)
	}

	allowed, wait, err := g.Reserve(ctx, "telephony", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, wait.Seconds(), 0.0)
}

func TestReserveDenialLeavesNoResidue(t *testing.T) {
	g := newTestGuard(t, map[string]ProviderLimit{
		"linkedin_invitation": {PerHour: 5, PerDay: 100},
	})
	ctx := context.Background()

	// A batch reservation that would exceed the window must not consume any
	// slots, so a smaller reservation afterwards still fits.
	allowed, _, err := g.Reserve(ctx, "linkedin_invitation", 6)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = g.Reserve(ctx, "linkedin_invitation", 5)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestReserveDailyWindow(t *testing.T) {
	g := newTestGuard(t, map[string]ProviderLimit{
		"linkedin_invitation": {PerHour: 100, PerDay: 2},
	})
	ctx := context.Background()

	allowed, _, err := g.Reserve(ctx, "linkedin_invitation", 2)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, wait, err := g.Reserve(ctx, "linkedin_invitation", 1)
	require.NoError(t, err)
	assert.False(t, allowed)
	// Denied on the daily window: the wait reaches to the next local midnight.
	assert.Greater(t, wait.Hours(), 0.0)
	assert.LessOrEqual(t, wait.Hours(), 24.0)
}

func TestReserveUnknownProviderAllowed(t *testing.T) {
	g := newTestGuard(t, nil)
	allowed, wait, err := g.Reserve(context.Background(), "no-such-provider", 100)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)
}

func TestReserveDegradesOpenOnRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewProviderGuard(client)
	mr.Close()

	allowed, _, err := g.Reserve(context.Background(), "telephony", 1)
	require.NoError(t, err)
	assert.True(t, allowed, "a Redis outage must not stop dispatch")
}
