package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	for _, a := range req.Adapters {
		f.calls[a]++
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.CollectionRun{ID: 1, Adapters: req.Adapters, Status: models.RunSuccess}, nil
}

func (f *fakeRunner) count(adapter string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[adapter]
}

func TestScheduler_RunsEachAdapterRepeatedly(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, []Job{
		{Adapter: "openmeteo", Interval: 20 * time.Millisecond},
		{Adapter: "metoffice", Interval: 30 * time.Millisecond},
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return r.count("openmeteo") >= 2 && r.count("metoffice") >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_BusyAdapterIsSkipped(t *testing.T) {
	r := &fakeRunner{err: ingestion.ErrBusy}
	s := New(r, nil)

	s.runJob(context.Background(), "era5")
	assert.Equal(t, 1, r.count("era5"))
}

func TestScheduler_StopCancelsRuns(t *testing.T) {
	started := make(chan struct{}, 1)
	s := New(runnerFunc(func(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return &models.CollectionRun{Adapters: req.Adapters, Status: models.RunFailed}, nil
	}), []Job{{Adapter: "netatmo", Interval: time.Hour}})
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not cancel the running job")
	}
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := New(&fakeRunner{}, []Job{{Adapter: "era5"}})
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_NothingToSchedule(t *testing.T) {
	s := New(&fakeRunner{}, nil)
	assert.NoError(t, s.Start(context.Background()))
	s.Stop()
}

type runnerFunc func(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error)

func (f runnerFunc) Run(ctx context.Context, req ingestion.Request) (*models.CollectionRun, error) {
	return f(ctx, req)
}
