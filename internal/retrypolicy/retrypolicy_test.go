package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeNetErr struct{}

func (fakeNetErr) Error() string   { return "dial tcp: connection refused" }
func (fakeNetErr) Timeout() bool   { return true }
func (fakeNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Disposition
	}{
		{"wrapped rate limit sentinel", fmt.Errorf("telephony: %w", ErrRateLimited), RateLimited},
		{"wrapped auth sentinel", fmt.Errorf("smtp auth: %w", ErrAuth), AuthFailure},
		{"wrapped permanent sentinel", fmt.Errorf("rcpt 550: %w", ErrPermanent), Permanent},
		{"wrapped data integrity sentinel", fmt.Errorf("campaign missing: %w", ErrDataIntegrity), DataIntegrity},
		{"deadline exceeded", context.DeadlineExceeded, Retry},
		{"net error", fakeNetErr{}, Retry},
		{"429 in message", errors.New("provider returned HTTP 429"), RateLimited},
		{"insufficient credit", errors.New("insufficient_credit on account"), RateLimited},
		{"invalid credentials text", errors.New("login failed: Invalid Credentials"), AuthFailure},
		{"unauthorized text", errors.New("401 Unauthorized"), AuthFailure},
		{"unknown error", errors.New("something odd happened"), Retry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestNextAttemptDoubles(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	p := DefaultPolicy()
	assert.Equal(t, now.Add(1*time.Minute), p.NextAttempt(now, 0))
	assert.Equal(t, now.Add(2*time.Minute), p.NextAttempt(now, 1))
	assert.Equal(t, now.Add(4*time.Minute), p.NextAttempt(now, 2))

	e := EmailPolicy()
	assert.Equal(t, now.Add(2*time.Minute), e.NextAttempt(now, 0))
	assert.Equal(t, now.Add(8*time.Minute), e.NextAttempt(now, 2))
}

func TestExhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
