// Package retrypolicy classifies dispatch errors and computes retry
// schedules. Transient failures back off exponentially up to the item's
// retry limit; rate-limit requeues reschedule without consuming a retry;
// everything else terminates the item.
package retrypolicy

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Disposition is what the dispatcher should do with a failed item.
type Disposition int

const (
	// Retry requeues with exponential backoff, counting against retry_count.
	Retry Disposition = iota
	// RateLimited requeues at the next window start without consuming a retry.
	RateLimited
	// AuthFailure fails the item and pauses the tenant channel.
	AuthFailure
	// Permanent fails the item and marks the lead's channel contact bad.
	Permanent
	// DataIntegrity fails the item with a diagnostic; nothing to retry.
	DataIntegrity
)

// Sentinel errors dispatchers wrap so classification stays explicit at the
// point of failure instead of string-matching provider messages.
var (
	ErrRateLimited   = errors.New("rate limited")
	ErrAuth          = errors.New("authentication failed")
	ErrPermanent     = errors.New("permanent delivery failure")
	ErrDataIntegrity = errors.New("data integrity")
)

// Classify maps an error to its disposition. Unknown errors are treated as
// transient: the retry limit bounds the damage and a terminal
// misclassification would drop work.
func Classify(err error) Disposition {
	switch {
	case errors.Is(err, ErrRateLimited):
		return RateLimited
	case errors.Is(err, ErrAuth):
		return AuthFailure
	case errors.Is(err, ErrPermanent):
		return Permanent
	case errors.Is(err, ErrDataIntegrity):
		return DataIntegrity
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retry
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retry
	}

	// Provider messages we only see as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "insufficient_credit"):
		return RateLimited
	case strings.Contains(msg, "invalid credentials"), strings.Contains(msg, "unauthorized"):
		return AuthFailure
	}

	return Retry
}

// Policy computes next-attempt times for one channel.
type Policy struct {
	Base       time.Duration // first backoff step
	MaxRetries int
}

// DefaultPolicy is the schedule for call and LinkedIn items.
func DefaultPolicy() Policy { return Policy{Base: time.Minute, MaxRetries: 3} }

// EmailPolicy backs off in 2-minute steps, matching provider greylisting
// behavior.
func EmailPolicy() Policy { return Policy{Base: 2 * time.Minute, MaxRetries: 3} }

// NextAttempt returns when the item should run again after its
// retryCount-th failure: now + base * 2^retryCount.
func (p Policy) NextAttempt(now time.Time, retryCount int) time.Time {
	backoff := p.Base
	for i := 0; i < retryCount; i++ {
		backoff *= 2
	}
	return now.Add(backoff)
}

// Exhausted reports whether the item is out of retries.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
