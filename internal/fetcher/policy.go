package fetcher

import (
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
)

// Policy bounds retries for one adapter.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Attempt describes a failed call: its error kind, which attempt it was
// (starting at 1) and any Retry-After the provider sent.
type Attempt struct {
	Kind       apperrors.Kind
	N          int
	RetryAfter time.Duration
}

type Decision struct {
	Retry bool
	After time.Duration
}

// Decide returns whether to retry and how long to wait first. rnd in [0, 1)
// picks the jitter, so the result depends only on its arguments.
func (p Policy) Decide(a Attempt, rnd float64) Decision {
	if !a.Kind.Retryable() || a.N >= p.MaxAttempts {
		return Decision{}
	}

	shift := a.N - 1
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << shift
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}

	// equal jitter: half fixed, half random
	after := d/2 + time.Duration(rnd*float64(d/2))
	if a.RetryAfter > after {
		after = a.RetryAfter
	}
	return Decision{Retry: true, After: after}
}
