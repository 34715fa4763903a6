package throttle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProviderLimit caps process-wide calls to one external provider.
type ProviderLimit struct {
	PerHour int
	PerDay  int
}

// ProviderLimits holds the ceilings the providers themselves enforce; we
// stop short of them so requests never burn retries on 429s.
var ProviderLimits = map[string]ProviderLimit{
	"telephony":           {PerHour: 1000, PerDay: 2000},
	"linkedin_invitation": {PerHour: 20, PerDay: 100},
}

// Lua script for atomic multi-window check-and-increment. All windows are
// checked before any counter moves, so a denial leaves no residue.
const providerLimitScript = `
local hourKey = KEYS[1]
local dayKey = KEYS[2]
local increment = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local hourTTL = tonumber(ARGV[4])
local dayTTL = tonumber(ARGV[5])

local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

if hourCurrent + increment > hourLimit then
    return {0, 1}
end
if dayCurrent + increment > dayLimit then
    return {0, 2}
end

local newHour = redis.call("INCRBY", hourKey, increment)
if newHour == increment then
    redis.call("EXPIRE", hourKey, hourTTL)
end

local newDay = redis.call("INCRBY", dayKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, 0}
`

// ProviderGuard enforces provider ceilings across all pollers in the
// deployment using Redis. A nil guard or Redis outage degrades open: the
// per-tenant DB budget still applies.
type ProviderGuard struct {
	redis  *redis.Client
	script *redis.Script
	limits map[string]ProviderLimit
}

// NewProviderGuard creates a guard with the default provider limits.
func NewProviderGuard(client *redis.Client) *ProviderGuard {
	return &ProviderGuard{
		redis:  client,
		script: redis.NewScript(providerLimitScript),
		limits: ProviderLimits,
	}
}

// NewProviderGuardFromURL connects to Redis and verifies the connection.
func NewProviderGuardFromURL(redisURL string) (*ProviderGuard, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewProviderGuard(client), nil
}

// Reserve atomically claims n slots against the provider's hourly and daily
// windows. When denied it returns how long to wait before the window opens.
func (g *ProviderGuard) Reserve(ctx context.Context, provider string, n int) (allowed bool, wait time.Duration, err error) {
	limit, ok := g.limits[provider]
	if !ok {
		return true, 0, nil
	}

	now := time.Now()
	hourKey := fmt.Sprintf("provider:%s:hour:%d", provider, now.Unix()/3600)
	dayKey := fmt.Sprintf("provider:%s:day:%s", provider, now.Format("2006-01-02"))

	result, err := g.script.Run(ctx, g.redis,
		[]string{hourKey, dayKey},
		n,
		limit.PerHour,
		limit.PerDay,
		7200,  // hour TTL
		90000, // day TTL (25 hours)
	).Slice()
	if err != nil {
		// Degrade open: the per-tenant DB budget still bounds throughput.
		log.Printf("[ProviderGuard] reserve error for %s: %v", provider, err)
		return true, 0, nil
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}

	switch result[1].(int64) {
	case 1: // hourly window
		nextHour := now.Truncate(time.Hour).Add(time.Hour)
		return false, nextHour.Sub(now), nil
	default: // daily window
		y, m, d := now.Date()
		nextDay := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
		return false, nextDay.Sub(now), nil
	}
}

// Close closes the Redis connection.
func (g *ProviderGuard) Close() error {
	if g.redis == nil {
		return nil
	}
	return g.redis.Close()
}
