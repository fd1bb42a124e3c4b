package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/mr1hm/go-weather-ingest/internal/adapters"
	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
	"github.com/mr1hm/go-weather-ingest/internal/observability"
	"github.com/mr1hm/go-weather-ingest/internal/quality"
	"github.com/mr1hm/go-weather-ingest/internal/repository"
	"github.com/mr1hm/go-weather-ingest/internal/worker"
)

var (
	ErrBusy           = errors.New("adapter already running")
	ErrUnknownAdapter = errors.New("unknown adapter")
)

type Config struct {
	WorkersPerRun    int           `yaml:"workers_per_run" validate:"gte=1"`
	MaxUnits         int64         `yaml:"max_units" validate:"gte=1"` // concurrent units across all runs
	UnitTimeout      time.Duration `yaml:"unit_timeout" validate:"gte=0"`
	RunTimeout       time.Duration `yaml:"run_timeout" validate:"gte=0"`
	StaleAfter       time.Duration `yaml:"stale_after" validate:"gte=0"`
	ErrorsPerAdapter int           `yaml:"errors_per_adapter" validate:"gte=1"`
	Lookback         time.Duration `yaml:"lookback" validate:"gt=0"`
}

func DefaultConfig() Config {
	return Config{
		WorkersPerRun:    4,
		MaxUnits:         8,
		UnitTimeout:      2 * time.Minute,
		RunTimeout:       15 * time.Minute,
		StaleAfter:       time.Hour,
		ErrorsPerAdapter: 5,
		Lookback:         24 * time.Hour,
	}
}

type Store interface {
	WriteBatch(ctx context.Context, b repository.Batch) (repository.UpsertResult, error)
	CreateRun(ctx context.Context, adapters []string, startedAt time.Time) (int64, error)
	RecordUnit(ctx context.Context, u models.RunUnit) error
	FinalizeRun(ctx context.Context, run *models.CollectionRun) error
	ReapStaleRuns(ctx context.Context, startedBefore, now time.Time) (int64, error)
}

type Flagger interface {
	Flag(ctx context.Context, written []*models.Observation, superseded []models.ObservationKey) (quality.Summary, error)
}

// Publisher receives every finalized run.
type Publisher interface {
	Publish(run *models.CollectionRun)
}

// Request selects what a run collects. Empty Locations means the configured
// targets; a zero Window means the Lookback period ending now.
type Request struct {
	Adapters  []string
	Locations []models.Location
	Window    models.Window
}

// Manager is the ingestion orchestrator. It owns the run lifecycle and the
// registry of in-flight adapters: an adapter belongs to at most one running
// run at a time.
type Manager struct {
	cfg      Config
	registry *adapters.Registry
	store    Store
	flagger  Flagger
	targets  []models.Location
	clock    clockwork.Clock
	metrics  *observability.Metrics
	events   Publisher
	units    *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]int64 // adapter -> run id
	wg       sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c clockwork.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithPublisher(p Publisher) Option { return func(m *Manager) { m.events = p } }

func NewManager(cfg Config, registry *adapters.Registry, store Store, flagger Flagger, targets []models.Location, opts ...Option) *Manager {
	if cfg.WorkersPerRun < 1 {
		cfg.WorkersPerRun = 1
	}
	if cfg.MaxUnits < 1 {
		cfg.MaxUnits = int64(cfg.WorkersPerRun)
	}
	if cfg.ErrorsPerAdapter < 1 {
		cfg.ErrorsPerAdapter = 1
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		store:    store,
		flagger:  flagger,
		targets:  targets,
		clock:    clockwork.NewRealClock(),
		units:    semaphore.NewWeighted(cfg.MaxUnits),
		inFlight: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Adapters() []string { return m.registry.Names() }

func (m *Manager) Targets() []models.Location { return m.targets }

// InFlight returns the adapters currently running and their run ids.
func (m *Manager) InFlight() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.inFlight))
	for k, v := range m.inFlight {
		out[k] = v
	}
	return out
}

// reserve claims every named adapter or none of them.
func (m *Manager) reserve(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var busy []string
	for _, n := range names {
		if _, ok := m.inFlight[n]; ok {
			busy = append(busy, n)
		}
	}
	if len(busy) > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, strings.Join(busy, ", "))
	}
	for _, n := range names {
		m.inFlight[n] = 0
	}
	return nil
}

func (m *Manager) assign(names []string, runID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		m.inFlight[n] = runID
	}
}

func (m *Manager) release(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.inFlight, n)
	}
}

type plan struct {
	run       *models.CollectionRun
	adapters  []adapters.Adapter
	locations []models.Location
	window    models.Window
}

type unitJob struct {
	adapter  adapters.Adapter
	location models.Location
}

func (m *Manager) begin(ctx context.Context, req Request) (*plan, error) {
	var (
		names []string
		p     plan
	)
	seen := make(map[string]bool)
	for _, n := range req.Adapters {
		if seen[n] {
			continue
		}
		seen[n] = true
		a, ok := m.registry.Get(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, n)
		}
		names = append(names, n)
		p.adapters = append(p.adapters, a)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("run needs at least one adapter")
	}

	p.locations = req.Locations
	if len(p.locations) == 0 {
		p.locations = m.targets
	}
	now := m.clock.Now().UTC()
	p.window = req.Window
	if p.window.Start.IsZero() && p.window.End.IsZero() {
		p.window = models.Window{Start: now.Add(-m.cfg.Lookback), End: now}
	}
	if err := p.window.Validate(); err != nil {
		return nil, err
	}

	if err := m.reserve(names); err != nil {
		return nil, err
	}
	id, err := m.store.CreateRun(ctx, names, now)
	if err != nil {
		m.release(names)
		return nil, err
	}
	m.assign(names, id)

	p.run = &models.CollectionRun{ID: id, Adapters: names, StartedAt: now, Status: models.RunRunning}
	if m.metrics != nil {
		m.metrics.RunsInFlight.Inc()
	}
	slog.Info("run started", "run_id", id, "adapters", names, "locations", len(p.locations),
		"window_start", p.window.Start, "window_end", p.window.End)
	return &p, nil
}

// Run executes a collection run and blocks until it is finalized. The error
// is non-nil only when the run could not start (ErrBusy, ErrUnknownAdapter,
// storage); provider failures are reported in the run itself.
func (m *Manager) Run(ctx context.Context, req Request) (*models.CollectionRun, error) {
	p, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, p), nil
}

// Start begins a run in the background and returns it in its running state.
// ctx bounds the run, not just the call.
func (m *Manager) Start(ctx context.Context, req Request) (*models.CollectionRun, error) {
	p, err := m.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	started := *p.run

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(ctx, p)
	}()
	return &started, nil
}

// Stop waits for background runs started with Start.
func (m *Manager) Stop() {
	m.wg.Wait()
	slog.Info("ingestion manager stopped")
}

// ReapStale fails runs left running by an earlier process.
func (m *Manager) ReapStale(ctx context.Context) (int64, error) {
	now := m.clock.Now().UTC()
	n, err := m.store.ReapStaleRuns(ctx, now.Add(-m.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("reaped stale runs", "count", n, "older_than", m.cfg.StaleAfter)
	}
	return n, nil
}

func (m *Manager) execute(ctx context.Context, p *plan) *models.CollectionRun {
	defer m.release(p.run.Adapters)

	if m.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunTimeout)
		defer cancel()
	}

	var (
		mu    sync.Mutex
		units []models.RunUnit
	)
	jobs := len(p.adapters) * len(p.locations)
	pool := worker.NewWorkerPool(m.cfg.WorkersPerRun, jobs, func(ctx context.Context, j unitJob) error {
		u := m.runUnit(ctx, p.run.ID, j.adapter, j.location, p.window)
		mu.Lock()
		units = append(units, u)
		mu.Unlock()
		if u.Status != models.UnitSuccess {
			return fmt.Errorf("unit %s: %s", u.Status, u.Error)
		}
		return nil
	})
	pool.OnError(func(j unitJob, err error) {
		slog.Warn("unit failed", "run_id", p.run.ID, "adapter", j.adapter.Name(), "location", j.location.ID, "error", err)
	})
	pool.Start(ctx)
	for _, a := range p.adapters {
		for _, loc := range p.locations {
			pool.Submit(unitJob{adapter: a, location: loc})
		}
	}
	pool.Stop()

	return m.finalize(ctx, p.run, units)
}

func (m *Manager) runUnit(ctx context.Context, runID int64, a adapters.Adapter, loc models.Location, w models.Window) models.RunUnit {
	u := &models.RunUnit{RunID: runID, Adapter: a.Name(), LocationID: loc.ID, StartedAt: m.clock.Now().UTC()}

	if err := m.units.Acquire(ctx, 1); err != nil {
		return m.closeUnit(ctx, u, apperrors.Wrap(err, apperrors.Cancelled, "ingestion.unit", "cancelled before start"), nil)
	}
	defer m.units.Release(1)
	if err := ctx.Err(); err != nil {
		return m.closeUnit(ctx, u, apperrors.Wrap(err, apperrors.Cancelled, "ingestion.unit", "cancelled before start"), nil)
	}

	uctx := ctx
	if m.cfg.UnitTimeout > 0 {
		var cancel context.CancelFunc
		uctx, cancel = context.WithTimeout(ctx, m.cfg.UnitTimeout)
		defer cancel()
	}

	res, err := a.Fetch(uctx, loc, w)
	if err != nil {
		return m.closeUnit(ctx, u, err, nil)
	}

	var problems []string
	u.Fetched = len(res.Records) + len(res.Errors)
	u.Rejected = len(res.Errors)
	for _, ie := range res.Errors {
		problems = append(problems, ie.Error())
	}

	batch := repository.Batch{Locations: res.Locations}
	for _, raw := range res.Records {
		rec, err := a.Normalize(raw)
		if err != nil {
			u.Rejected++
			problems = append(problems, err.Error())
			continue
		}
		switch r := rec.(type) {
		case *models.Observation:
			batch.Observations = append(batch.Observations, r)
		case *models.Forecast:
			batch.Forecasts = append(batch.Forecasts, r)
		default:
			u.Rejected++
			problems = append(problems, fmt.Sprintf("unsupported record %T", rec))
		}
	}

	written, err := m.store.WriteBatch(uctx, batch)
	u.Inserted, u.Updated, u.Unchanged, u.Failed = written.Inserted, written.Updated, written.Unchanged, written.Failed
	if err != nil {
		return m.closeUnit(ctx, u, err, problems)
	}
	problems = append(problems, written.Errors...)

	if changed := changedObservations(batch.Observations, written.Written); m.flagger != nil && len(changed) > 0 {
		if _, err := m.flagger.Flag(uctx, changed, written.Superseded); err != nil {
			slog.Warn("quality flagging failed", "run_id", runID, "adapter", u.Adapter, "location", loc.ID, "error", err)
			problems = append(problems, "quality flagging: "+err.Error())
		}
	}
	return m.closeUnit(ctx, u, nil, problems)
}

// changedObservations keeps the observations the store inserted or
// overwrote. Unchanged rows keep the flag they already have.
func changedObservations(all []*models.Observation, written []models.ObservationKey) []*models.Observation {
	if len(written) == 0 {
		return nil
	}
	keys := make(map[models.ObservationKey]bool, len(written))
	for _, k := range written {
		keys[k] = true
	}
	var out []*models.Observation
	for _, o := range all {
		if keys[o.Key()] {
			out = append(out, o)
		}
	}
	return out
}

// closeUnit settles the unit's status, records it and reports it. ctx is the
// run context: a unit that fails after the run was cancelled counts as
// cancelled.
func (m *Manager) closeUnit(ctx context.Context, u *models.RunUnit, err error, problems []string) models.RunUnit {
	u.FinishedAt = m.clock.Now().UTC()
	switch {
	case err == nil:
		u.Status = models.UnitSuccess
		if len(problems) > 0 {
			u.Error = fmt.Sprintf("%d record problems, first: %s", len(problems), problems[0])
		}
	default:
		u.Status = models.UnitFailed
		if ctx.Err() != nil {
			u.Status = models.UnitCancelled
		}
		kind := apperrors.KindOf(err)
		if kind == "" {
			kind = apperrors.Permanent
		}
		u.ErrorKind = string(kind)
		u.Error = err.Error()
	}

	if rerr := m.store.RecordUnit(context.WithoutCancel(ctx), *u); rerr != nil {
		slog.Error("error recording unit", "run_id", u.RunID, "adapter", u.Adapter, "location", u.LocationID, "error", rerr)
	}
	if m.metrics != nil {
		m.metrics.UnitsTotal.WithLabelValues(u.Adapter, string(u.Status)).Inc()
		m.metrics.ObserveCounts(u.Adapter, u.Inserted, u.Updated, u.Unchanged, u.Failed, u.Rejected)
	}

	if u.Status == models.UnitSuccess {
		slog.Info("unit finished", "run_id", u.RunID, "adapter", u.Adapter, "location", u.LocationID,
			"fetched", u.Fetched, "inserted", u.Inserted, "updated", u.Updated,
			"unchanged", u.Unchanged, "failed", u.Failed, "rejected", u.Rejected)
	}
	return *u
}

func (m *Manager) finalize(ctx context.Context, run *models.CollectionRun, units []models.RunUnit) *models.CollectionRun {
	sort.Slice(units, func(i, j int) bool {
		if units[i].Adapter != units[j].Adapter {
			return units[i].Adapter < units[j].Adapter
		}
		return units[i].LocationID < units[j].LocationID
	})

	run.Units = units
	run.Counts = models.Counts{}
	for _, u := range units {
		run.Counts.Add(u.Counts)
	}
	run.Status = models.DeriveStatus(units)
	run.Errors = errorSummary(units, m.cfg.ErrorsPerAdapter)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		run.Errors = append(run.Errors, fmt.Sprintf("run timed out after %s", m.cfg.RunTimeout))
	}
	finished := m.clock.Now().UTC()
	run.FinishedAt = &finished

	if !run.Balanced() {
		slog.Error("run counts do not balance", "run_id", run.ID, "counts", run.Counts)
	}
	if err := m.store.FinalizeRun(context.WithoutCancel(ctx), run); err != nil {
		slog.Error("error finalizing run", "run_id", run.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		m.metrics.RunDuration.Observe(finished.Sub(run.StartedAt).Seconds())
		m.metrics.RunsInFlight.Dec()
	}
	if m.events != nil {
		m.events.Publish(run)
	}

	slog.Info("run finished", "run_id", run.ID, "adapters", run.Adapters, "status", run.Status,
		"fetched", run.Fetched, "inserted", run.Inserted, "updated", run.Updated,
		"unchanged", run.Unchanged, "failed", run.Failed, "rejected", run.Rejected)
	return run
}

// errorSummary keeps the first n unit errors per adapter.
func errorSummary(units []models.RunUnit, n int) []string {
	var (
		out     []string
		kept    = make(map[string]int)
		dropped = make(map[string]int)
		order   []string
	)
	for _, u := range units {
		if u.Error == "" {
			continue
		}
		if kept[u.Adapter] >= n {
			if dropped[u.Adapter] == 0 {
				order = append(order, u.Adapter)
			}
			dropped[u.Adapter]++
			continue
		}
		kept[u.Adapter]++
		out = append(out, fmt.Sprintf("%s/%s: %s", u.Adapter, u.LocationID, u.Error))
	}
	for _, a := range order {
		out = append(out, fmt.Sprintf("%s: %d more errors omitted", a, dropped[a]))
	}
	return out
}
