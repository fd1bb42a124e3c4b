package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// Runner executes a collection run synchronously.
type Runner interface {
	Run(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error)
}

// Job collects one adapter for the configured targets every Interval.
type Job struct {
	Adapter  string
	Interval time.Duration
}

// Scheduler triggers periodic collection runs, one job per adapter. A tick
// that finds its adapter still running is skipped.
type Scheduler struct {
	cron   *gocron.Scheduler
	runner Runner
	jobs   []Job

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(runner Runner, jobs []Job) *Scheduler {
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	return &Scheduler{
		cron:   cron,
		runner: runner,
		jobs:   jobs,
	}
}

// Start registers every job and starts ticking. Runs inherit ctx; Stop
// cancels them.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.jobs) == 0 {
		slog.Info("scheduler: no adapters scheduled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	for _, j := range s.jobs {
		if j.Interval <= 0 {
			cancel()
			return fmt.Errorf("adapter %s: interval must be positive", j.Adapter)
		}
		adapter := j.Adapter
		if _, err := s.cron.Every(j.Interval).Tag(adapter).Do(func() { s.runJob(ctx, adapter) }); err != nil {
			cancel()
			return fmt.Errorf("scheduling %s: %w", adapter, err)
		}
		slog.Info("scheduled adapter", "adapter", adapter, "interval", j.Interval)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.cron.StartAsync()
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, adapter string) {
	run, err := s.runner.Run(ctx, ingestion.Request{Adapters: []string{adapter}})
	switch {
	case errors.Is(err, ingestion.ErrBusy):
		slog.Info("scheduler: adapter still running, skipping tick", "adapter", adapter)
	case err != nil:
		slog.Error("scheduler: run did not start", "adapter", adapter, "error", err)
	default:
		slog.Info("scheduler: run complete", "adapter", adapter, "run_id", run.ID, "status", run.Status)
	}
}

// Stop cancels in-progress runs and waits for their jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.cron.Stop()
}
