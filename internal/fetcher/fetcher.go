package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/observability"
)

const maxBodyBytes = 32 << 20

// Config is the per-adapter throttling and retry setup.
type Config struct {
	Rate            float64       `yaml:"rate" validate:"gte=0"` // tokens per second, 0 = unlimited
	Burst           int           `yaml:"burst" validate:"gte=0"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	Retry           Policy        `yaml:"retry"`
	BreakerTrips    uint32        `yaml:"breaker_trips"` // consecutive transient failures, 0 = no breaker
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

func DefaultConfig() Config {
	return Config{
		Rate:            1,
		Burst:           1,
		AcquireTimeout:  30 * time.Second,
		CallTimeout:     15 * time.Second,
		Retry:           DefaultPolicy(),
		BreakerTrips:    5,
		BreakerCooldown: time.Minute,
	}
}

// RequestFunc builds a fresh request for every attempt.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Fetcher gates every outbound call of one adapter through a shared token
// bucket, a circuit breaker and the retry policy. Safe for concurrent use.
type Fetcher struct {
	name    string
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	clock   clockwork.Clock
	metrics *observability.Metrics
	rnd     func() float64
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }

func WithClock(c clockwork.Clock) Option { return func(f *Fetcher) { f.clock = c } }

func WithMetrics(m *observability.Metrics) Option { return func(f *Fetcher) { f.metrics = m } }

// WithRand replaces the jitter source.
func WithRand(fn func() float64) Option { return func(f *Fetcher) { f.rnd = fn } }

func New(name string, cfg Config, opts ...Option) *Fetcher {
	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	f := &Fetcher{
		name:    name,
		cfg:     cfg,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		clock:   clockwork.NewRealClock(),
		rnd:     rand.Float64,
	}
	if cfg.BreakerTrips > 0 {
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= cfg.BreakerTrips
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change", "adapter", name, "from", from.String(), "to", to.String())
			},
		})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) Name() string { return f.name }

// Do runs build until it yields a 2xx response body, a non-retryable
// failure, or the retry budget is spent. Cancellation is checked between
// attempts, never mid-call.
func (f *Fetcher) Do(ctx context.Context, build RequestFunc) ([]byte, error) {
	op := f.name + ".fetch"
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.Cancelled, op, "cancelled before attempt")
		}

		body, err := f.attempt(ctx, build)
		if err == nil {
			f.count("success")
			return body, nil
		}

		kind := apperrors.KindOf(err)
		f.count(outcome(kind))

		d := f.cfg.Retry.Decide(Attempt{Kind: kind, N: attempt, RetryAfter: apperrors.RetryAfterOf(err)}, f.rnd())
		if !d.Retry {
			return nil, err
		}
		if f.metrics != nil {
			f.metrics.FetchRetries.WithLabelValues(f.name, string(kind)).Inc()
		}
		slog.Debug("retrying request", "adapter", f.name, "attempt", attempt, "after", d.After, "error", err)

		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, op, "cancelled during backoff")
		case <-f.clock.After(d.After):
		}
	}
}

// GetJSON issues a GET and decodes the body into out. A body that does not
// decode is a permanent failure.
func (f *Fetcher) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	body, err := f.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Wrap(err, apperrors.Permanent, f.name+".decode", "malformed payload")
	}
	return nil
}

func (f *Fetcher) attempt(ctx context.Context, build RequestFunc) ([]byte, error) {
	op := f.name + ".fetch"

	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	if f.breaker == nil {
		return f.call(ctx, build)
	}

	// Only transient failures count against the breaker; the rest travel
	// back as results.
	type result struct {
		body []byte
		err  error
	}
	res, err := f.breaker.Execute(func() (interface{}, error) {
		body, err := f.call(ctx, build)
		if apperrors.KindOf(err) == apperrors.Transient {
			return nil, err
		}
		return result{body: body, err: err}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperrors.Wrap(err, apperrors.Transient, op, "circuit breaker open")
		}
		return nil, err
	}
	r := res.(result)
	return r.body, r.err
}

func (f *Fetcher) acquire(ctx context.Context) error {
	wctx := ctx
	if f.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, f.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := f.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return apperrors.Wrap(ctx.Err(), apperrors.Cancelled, f.name+".acquire", "cancelled waiting for token")
		}
		return &apperrors.Error{
			Kind:    apperrors.RateLimited,
			Op:      f.name + ".acquire",
			Message: fmt.Sprintf("no token within %s", f.cfg.AcquireTimeout),
			Raw:     err,
		}
	}
	return nil
}

func (f *Fetcher) call(ctx context.Context, build RequestFunc) ([]byte, error) {
	op := f.name + ".fetch"

	cctx := ctx
	if f.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, f.cfg.CallTimeout)
		defer cancel()
	}

	req, err := build(cctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Permanent, op, "building request")
	}

	start := f.clock.Now()
	resp, err := f.client.Do(req)
	if f.metrics != nil {
		f.metrics.FetchDuration.WithLabelValues(f.name).Observe(f.clock.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, op, "cancelled during request")
		}
		return nil, apperrors.Wrap(err, apperrors.Transient, op, "request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperrors.Wrap(ctx.Err(), apperrors.Cancelled, op, "cancelled reading body")
		}
		return nil, apperrors.Wrap(err, apperrors.Transient, op, "reading body")
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(op, resp, body, f.clock.Now())
}

func statusError(op string, resp *http.Response, body []byte, now time.Time) error {
	e := &apperrors.Error{
		Kind:       apperrors.Permanent,
		Op:         op,
		Message:    fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
		Detail:     snippet(body),
		HTTPStatus: resp.StatusCode,
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		e.Kind = apperrors.Transient
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}
	return e
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	const n = 200
	if len(body) > n {
		return string(body[:n]) + "..."
	}
	return string(body)
}

func outcome(kind apperrors.Kind) string {
	switch kind {
	case apperrors.Transient:
		return "transient"
	case apperrors.Permanent:
		return "permanent"
	case apperrors.RateLimited:
		return "rate_limited"
	case apperrors.Cancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func (f *Fetcher) count(outcome string) {
	if f.metrics != nil {
		f.metrics.FetchRequests.WithLabelValues(f.name, outcome).Inc()
	}
}
