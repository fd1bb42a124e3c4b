package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *SQLiteDB {
	db, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	return db
}

func obs(hour int, temp float64, received time.Time) *models.Observation {
	o := &models.Observation{
		LocationID:  "home",
		ObservedAt:  base.Add(time.Duration(hour) * time.Hour),
		Source:      "openmeteo",
		QualityFlag: models.QualityUnchecked,
		ReceivedAt:  received,
		Raw:         []byte(fmt.Sprintf(`{"t":%v}`, temp)),
	}
	o.TemperatureC = models.Float(temp)
	o.HumidityPct = models.Float(80)
	return o
}

func dayOfObs(received time.Time) []*models.Observation {
	out := make([]*models.Observation, 24)
	for i := range out {
		out[i] = obs(i, 5+float64(i)/2, received)
	}
	return out
}

func TestSQLiteDB_UpsertIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	res, err := db.WriteBatch(ctx, Batch{Observations: dayOfObs(base)})
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if res.Inserted != 24 || res.Unchanged != 0 {
		t.Errorf("expected 24 inserted, got %+v", res)
	}
	first, err := db.Observations(ctx, Query{LocationID: "home"})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}

	res, err = db.WriteBatch(ctx, Batch{Observations: dayOfObs(base)})
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 0 || res.Unchanged != 24 {
		t.Errorf("expected 24 unchanged, got %+v", res)
	}
	second, err := db.Observations(ctx, Query{LocationID: "home"})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("stored state changed on re-delivery (-first +second):\n%s", diff)
	}
}

func TestSQLiteDB_NewerWinsInEitherOrder(t *testing.T) {
	gaps := map[string]time.Duration{
		"an hour apart":       time.Hour,
		"half a second apart": 500 * time.Millisecond,
		"a nanosecond apart":  time.Nanosecond,
	}
	for gapName, gap := range gaps {
		older := obs(0, 10, base)
		newer := obs(0, 12, base.Add(gap))
		orders := map[string][]*models.Observation{
			"older then newer": {older, newer},
			"newer then older": {newer, older},
		}
		for name, order := range orders {
			t.Run(gapName+"/"+name, func(t *testing.T) {
				db := setupTestDB(t)
				defer db.Close()
				ctx := context.Background()

				for _, o := range order {
					if _, err := db.WriteBatch(ctx, Batch{Observations: []*models.Observation{o}}); err != nil {
						t.Fatalf("write failed: %v", err)
					}
				}

				got, err := db.GetObservation(ctx, older.Key())
				if err != nil || got == nil {
					t.Fatalf("GetObservation failed: %v", err)
				}
				if *got.TemperatureC != 12 {
					t.Errorf("expected newer temperature 12, got %v", *got.TemperatureC)
				}
				if !got.ReceivedAt.Equal(newer.ReceivedAt) {
					t.Errorf("expected received_at %s, got %s", newer.ReceivedAt, got.ReceivedAt)
				}
			})
		}
	}
}

func TestSQLiteDB_SameReceivedAtIsOrderIndependent(t *testing.T) {
	a, b := obs(0, 10, base), obs(0, 12, base)

	var results []float64
	for _, order := range [][]*models.Observation{{a, b}, {b, a}} {
		db := setupTestDB(t)
		for _, o := range order {
			if _, err := db.WriteBatch(context.Background(), Batch{Observations: []*models.Observation{o}}); err != nil {
				t.Fatalf("write failed: %v", err)
			}
		}
		got, err := db.GetObservation(context.Background(), a.Key())
		if err != nil || got == nil {
			t.Fatalf("GetObservation failed: %v", err)
		}
		results = append(results, *got.TemperatureC)
		db.Close()
	}
	if results[0] != results[1] {
		t.Errorf("stored value depends on write order: %v", results)
	}
}

func TestSQLiteDB_UpdateArchivesSupersededRevision(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := db.WriteBatch(ctx, Batch{Observations: []*models.Observation{obs(0, 10, base)}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := db.SetQualityFlags(ctx, []FlagUpdate{{Key: obs(0, 0, base).Key(), Flag: models.QualityOK}}); err != nil {
		t.Fatalf("SetQualityFlags failed: %v", err)
	}

	res, err := db.WriteBatch(ctx, Batch{Observations: []*models.Observation{obs(0, 14, base.Add(time.Minute))}})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if res.Updated != 1 || len(res.Superseded) != 1 {
		t.Fatalf("expected 1 update with superseded key, got %+v", res)
	}

	got, _ := db.GetObservation(ctx, res.Superseded[0])
	if got.QualityFlag != models.QualityUnchecked {
		t.Errorf("expected flag reset to unchecked after overwrite, got %s", got.QualityFlag)
	}

	revs, err := db.Revisions(ctx, res.Superseded[0])
	if err != nil {
		t.Fatalf("Revisions failed: %v", err)
	}
	if len(revs) != 1 || *revs[0].Measurements.TemperatureC != 10 {
		t.Fatalf("expected archived temperature 10, got %+v", revs)
	}

	n, err := db.FlagRevisions(ctx, res.Superseded, models.QualitySuspect)
	if err != nil || n != 1 {
		t.Fatalf("FlagRevisions: n=%d err=%v", n, err)
	}
}

func TestSQLiteDB_UniquenessEnforcedByEngine(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	if _, err := db.WriteBatch(ctx, Batch{Observations: []*models.Observation{obs(0, 10, base)}}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, err := db.db.ExecContext(ctx, `
		INSERT INTO observations (location_id, observed_at, source, content_hash, received_at, created_at, updated_at)
		VALUES ('home', ?, 'openmeteo', 'x', 0, 0, 0)`, base.Unix())
	if err == nil {
		t.Error("expected unique constraint violation for duplicate observation key")
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO forecasts (location_id, source, issued_at, valid_at, lead_time_s, received_at, created_at)
		VALUES ('home', 'gfs', 0, 3600, 60, 0, 0)`)
	if err == nil {
		t.Error("expected check constraint violation for inconsistent lead time")
	}
}

func TestSQLiteDB_ForecastsAreInsertOnly(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	issued := base
	mk := func(h int, temp float64) *models.Forecast {
		f := &models.Forecast{
			LocationID: "home",
			Source:     "openmeteo_gfs",
			IssuedAt:   issued,
			ValidAt:    issued.Add(time.Duration(h) * time.Hour),
			LeadTime:   time.Duration(h) * time.Hour,
			ReceivedAt: issued,
		}
		f.TemperatureC = models.Float(temp)
		return f
	}

	bad := mk(3, 1)
	bad.LeadTime = time.Hour

	res, err := db.WriteBatch(ctx, Batch{Forecasts: []*models.Forecast{mk(1, 5), mk(2, 6), bad}})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if res.Inserted != 2 || res.Failed != 1 {
		t.Errorf("expected 2 inserted and 1 failed, got %+v", res)
	}

	res, err = db.WriteBatch(ctx, Batch{Forecasts: []*models.Forecast{mk(1, 99)}})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if res.Unchanged != 1 {
		t.Errorf("expected re-issue with same issued_at to be unchanged, got %+v", res)
	}

	got, err := db.Forecasts(ctx, Query{LocationID: "home"})
	if err != nil {
		t.Fatalf("Forecasts failed: %v", err)
	}
	if len(got) != 2 || *got[0].TemperatureC != 5 {
		t.Fatalf("unexpected forecasts: %+v", got)
	}
	if got[1].LeadTime != 2*time.Hour {
		t.Errorf("expected lead time 2h, got %s", got[1].LeadTime)
	}
}

func TestSQLiteDB_QueryOrderAndNulls(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	batch := []*models.Observation{obs(3, 1, base), obs(1, 1, base), obs(2, 1, base)}
	batch[1].HumidityPct = nil
	if _, err := db.WriteBatch(ctx, Batch{Observations: batch}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := db.Observations(ctx, Query{LocationID: "home", From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 observations in range, got %d", len(got))
	}
	if !got[0].ObservedAt.Before(got[1].ObservedAt) {
		t.Error("expected ascending order")
	}
	if got[0].HumidityPct != nil {
		t.Error("expected humidity to stay null")
	}
}

func TestSQLiteDB_ConcurrentSameKeyUpserts(t *testing.T) {
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "weather.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := obs(0, float64(i), base.Add(time.Duration(i)*time.Second))
			if _, err := db.WriteBatch(ctx, Batch{Observations: []*models.Observation{o}}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent write failed: %v", err)
	}

	got, err := db.Observations(ctx, Query{LocationID: "home"})
	if err != nil {
		t.Fatalf("Observations failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one row, got %d", len(got))
	}
	if *got[0].TemperatureC != 7 {
		t.Errorf("expected latest-received value 7, got %v", *got[0].TemperatureC)
	}
}

func TestSQLiteDB_FailedBatchRollsBack(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	badLoc := models.Location{ID: "station_x", Latitude: 120, Type: models.LocationPersonalStation}
	res, err := db.WriteBatch(ctx, Batch{
		Locations:    []models.Location{badLoc},
		Observations: dayOfObs(base),
	})
	if !apperrors.Is(err, apperrors.Storage) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if res.Failed != 24 {
		t.Errorf("expected all 24 records failed, got %+v", res)
	}
	got, _ := db.Observations(ctx, Query{LocationID: "home"})
	if len(got) != 0 {
		t.Errorf("expected rollback, found %d rows", len(got))
	}
}

func TestSQLiteDB_Locations(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	loc := models.Location{ID: "netatmo_70:ee", Name: "PWS", Latitude: 55.9, Longitude: -3.2,
		Type: models.LocationPersonalStation, Source: "netatmo", Metadata: map[string]any{"modules": 2.0}}
	if err := db.UpsertLocation(ctx, loc); err != nil {
		t.Fatalf("UpsertLocation failed: %v", err)
	}

	loc.Latitude = 10
	loc.Metadata = map[string]any{"modules": 3.0}
	if err := db.UpsertLocation(ctx, loc); err != nil {
		t.Fatalf("UpsertLocation failed: %v", err)
	}

	got, err := db.GetLocation(ctx, loc.ID)
	if err != nil || got == nil {
		t.Fatalf("GetLocation failed: %v", err)
	}
	if got.Latitude != 55.9 {
		t.Errorf("expected coordinates to stay fixed, got %v", got.Latitude)
	}
	if got.Metadata["modules"] != 3.0 {
		t.Errorf("expected refreshed metadata, got %v", got.Metadata)
	}

	missing, err := db.GetLocation(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing location, got %v, %v", missing, err)
	}
}

func TestSQLiteDB_RunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	id, err := db.CreateRun(ctx, []string{"metoffice", "openmeteo"}, base)
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	units := []models.RunUnit{
		{RunID: id, Adapter: "openmeteo", LocationID: "home", Status: models.UnitSuccess,
			Counts: models.Counts{Fetched: 24, Inserted: 24}, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{RunID: id, Adapter: "metoffice", LocationID: "home", Status: models.UnitFailed,
			ErrorKind: string(apperrors.Transient), Error: "timeout", StartedAt: base, FinishedAt: base.Add(time.Minute)},
	}
	for _, u := range units {
		if err := db.RecordUnit(ctx, u); err != nil {
			t.Fatalf("RecordUnit failed: %v", err)
		}
	}

	finished := base.Add(time.Minute)
	run := &models.CollectionRun{ID: id, Status: models.RunPartial, FinishedAt: &finished,
		Counts: models.Counts{Fetched: 24, Inserted: 24}, Errors: []string{"metoffice home: timeout"}}
	if err := db.FinalizeRun(ctx, run); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}
	if err := db.FinalizeRun(ctx, run); !errors.Is(err, ErrRunFinalized) {
		t.Errorf("expected ErrRunFinalized on second finalize, got %v", err)
	}

	got, err := db.GetRun(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunPartial || len(got.Units) != 2 {
		t.Errorf("unexpected run: %+v", got)
	}
	if diff := cmp.Diff([]string{"metoffice", "openmeteo"}, got.Adapters); diff != "" {
		t.Errorf("adapters mismatch:\n%s", diff)
	}
	if got.Units[1].ErrorKind != string(apperrors.Transient) {
		t.Errorf("expected transient unit error, got %q", got.Units[1].ErrorKind)
	}

	runs, err := db.ListRuns(ctx, RunFilter{Adapter: "metoffice"})
	if err != nil || len(runs) != 1 {
		t.Errorf("expected 1 metoffice run, got %d (%v)", len(runs), err)
	}
	runs, _ = db.ListRuns(ctx, RunFilter{Adapter: "office"})
	if len(runs) != 0 {
		t.Errorf("expected adapter filter to match whole names, got %d", len(runs))
	}

	last, err := db.LastSuccess(ctx)
	if err != nil {
		t.Fatalf("LastSuccess failed: %v", err)
	}
	if len(last) != 1 || last[0].Adapter != "openmeteo" || last[0].RunID != id {
		t.Errorf("unexpected last success: %+v", last)
	}
}

func TestSQLiteDB_ListRunsAdapterIsLiteral(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	want, _ := db.CreateRun(ctx, []string{"era5", "openmeteo_forecast"}, base)
	db.CreateRun(ctx, []string{"openmeteoXforecast"}, base)
	db.CreateRun(ctx, []string{"openmeteo%forecast"}, base)

	runs, err := db.ListRuns(ctx, RunFilter{Adapter: "openmeteo_forecast"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != want {
		t.Errorf("expected only run %d, got %+v", want, runs)
	}
}

func TestSQLiteDB_ReapStaleRuns(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	stale, _ := db.CreateRun(ctx, []string{"netatmo"}, base)
	fresh, _ := db.CreateRun(ctx, []string{"era5"}, base.Add(2*time.Hour))

	n, err := db.ReapStaleRuns(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ReapStaleRuns failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reaped run, got %d", n)
	}

	got, _ := db.GetRun(ctx, stale)
	if got.Status != models.RunFailed || got.FinishedAt == nil || len(got.Errors) != 1 {
		t.Errorf("expected stale run failed with summary, got %+v", got)
	}
	got, _ = db.GetRun(ctx, fresh)
	if got.Status != models.RunRunning {
		t.Errorf("expected fresh run to keep running, got %s", got.Status)
	}
}
