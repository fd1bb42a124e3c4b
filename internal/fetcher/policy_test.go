package fetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
)

func TestPolicy_Decide(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		name string
		a    Attempt
		rnd  float64
		want Decision
	}{
		{"least jitter still waits half the step", Attempt{Kind: apperrors.Transient, N: 1}, 0, Decision{Retry: true, After: 500 * time.Millisecond}},
		{"most jitter waits the full step", Attempt{Kind: apperrors.Transient, N: 1}, 0.999999999, Decision{Retry: true, After: 999999999 * time.Nanosecond}},
		{"exponential growth", Attempt{Kind: apperrors.Transient, N: 3}, 0, Decision{Retry: true, After: 2 * time.Second}},
		{"local rate limit retries", Attempt{Kind: apperrors.RateLimited, N: 3}, 1, Decision{Retry: true, After: 4 * time.Second}},
		{"retry-after is a floor", Attempt{Kind: apperrors.Transient, N: 1, RetryAfter: 3 * time.Second}, 0, Decision{Retry: true, After: 3 * time.Second}},
		{"attempts exhausted", Attempt{Kind: apperrors.Transient, N: 4}, 0, Decision{}},
		{"permanent never retries", Attempt{Kind: apperrors.Permanent, N: 1}, 0, Decision{}},
		{"cancellation never retries", Attempt{Kind: apperrors.Cancelled, N: 1}, 0, Decision{}},
		{"normalization never retries", Attempt{Kind: apperrors.Normalization, N: 1}, 0, Decision{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.a, tt.rnd))
		})
	}
}

func TestPolicy_DecideLargeAttemptDoesNotOverflow(t *testing.T) {
	p := Policy{MaxAttempts: 1000, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	d := p.Decide(Attempt{Kind: apperrors.Transient, N: 200}, 0.5)
	assert.True(t, d.Retry)
	assert.LessOrEqual(t, d.After, 30*time.Second)
	assert.Greater(t, d.After, time.Duration(0))
}
