package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

var ErrRunFinalized = errors.New("collection run already finalized")

// Batch is the unit of atomic writes: everything one adapter produced for
// one location. Locations are upserted before the records that reference
// them.
type Batch struct {
	Locations    []models.Location
	Observations []*models.Observation
	Forecasts    []*models.Forecast
}

func (b *Batch) Len() int { return len(b.Observations) + len(b.Forecasts) }

type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Failed    int
	// Written lists observations inserted or overwritten by this batch.
	Written []models.ObservationKey
	// Superseded lists observations overwritten with different content.
	Superseded []models.ObservationKey
	// Errors describes records that failed validation inside the batch.
	Errors []string
}

type Query struct {
	LocationID string
	Source     string    // empty matches every source
	From       time.Time // inclusive, zero = unbounded
	To         time.Time // exclusive, zero = unbounded
	Limit      int
}

type RunFilter struct {
	Adapter string
	Status  models.RunStatus
	Limit   int
}

type FlagUpdate struct {
	Key  models.ObservationKey
	Flag models.QualityFlag
}

// Revision is an archived observation payload that was overwritten.
type Revision struct {
	ID           int64                 `json:"id"`
	Key          models.ObservationKey `json:"-"`
	Measurements models.Measurements   `json:"measurements"`
	Raw          json.RawMessage       `json:"raw,omitempty"`
	ReceivedAt   time.Time             `json:"received_at"`
	SupersededAt time.Time             `json:"superseded_at"`
	QualityFlag  models.QualityFlag    `json:"quality_flag"`
}

type RecordRepository interface {
	WriteBatch(ctx context.Context, b Batch) (UpsertResult, error)
	Observations(ctx context.Context, q Query) ([]models.Observation, error)
	Forecasts(ctx context.Context, q Query) ([]models.Forecast, error)
	SetQualityFlags(ctx context.Context, updates []FlagUpdate) error
	FlagRevisions(ctx context.Context, keys []models.ObservationKey, flag models.QualityFlag) (int64, error)
}

type LocationRepository interface {
	UpsertLocation(ctx context.Context, l models.Location) error
	GetLocation(ctx context.Context, id string) (*models.Location, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
}

type RunRepository interface {
	CreateRun(ctx context.Context, adapters []string, startedAt time.Time) (int64, error)
	RecordUnit(ctx context.Context, u models.RunUnit) error
	FinalizeRun(ctx context.Context, run *models.CollectionRun) error
	GetRun(ctx context.Context, id int64) (*models.CollectionRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]models.CollectionRun, error)
	LastSuccess(ctx context.Context) ([]models.LastSuccess, error)
	ReapStaleRuns(ctx context.Context, startedBefore, now time.Time) (int64, error)
}

type Store interface {
	RecordRepository
	LocationRepository
	RunRepository
	Ping(ctx context.Context) error
}
