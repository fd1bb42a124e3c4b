package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/models"
	"github.com/mr1hm/go-weather-ingest/internal/observability"
	"github.com/mr1hm/go-weather-ingest/internal/repository"
)

// Store is the slice of the repository the flagger needs.
type Store interface {
	Observations(ctx context.Context, q repository.Query) ([]models.Observation, error)
	SetQualityFlags(ctx context.Context, updates []repository.FlagUpdate) error
	FlagRevisions(ctx context.Context, keys []models.ObservationKey, flag models.QualityFlag) (int64, error)
}

type Summary struct {
	Checked int
	OK      int
	Suspect int
}

// Flagger annotates stored observations after a write. It never changes
// measured values and never marks anything rejected.
type Flagger struct {
	store    Store
	rules    []Rule
	lookback time.Duration
	metrics  *observability.Metrics
}

func NewFlagger(store Store, rules []Rule, metrics *observability.Metrics) *Flagger {
	lookback := time.Duration(0)
	for _, r := range rules {
		if d, ok := r.(DeltaRule); ok && d.Within > lookback {
			lookback = d.Within
		}
	}
	return &Flagger{store: store, rules: rules, lookback: lookback, metrics: metrics}
}

type seriesKey struct {
	locationID string
	source     string
}

// Flag evaluates the stored rows behind written, using their stored values
// rather than the incoming ones, and records ok or suspect on each.
// superseded are keys the last write overwrote; their archived revisions are
// marked suspect as well. A row that was ever overwritten stays suspect on
// later passes, so re-delivering it does not hide the conflict.
func (f *Flagger) Flag(ctx context.Context, written []*models.Observation, superseded []models.ObservationKey) (Summary, error) {
	var sum Summary
	if len(written) == 0 {
		return sum, nil
	}

	conflicted := make(map[string]bool, len(superseded))
	for _, k := range superseded {
		conflicted[keyID(k)] = true
	}

	groups := make(map[seriesKey][]time.Time)
	for _, o := range written {
		k := seriesKey{o.LocationID, o.Source}
		groups[k] = append(groups[k], o.ObservedAt.UTC())
	}

	var updates []repository.FlagUpdate
	for k, times := range groups {
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

		series, err := f.store.Observations(ctx, repository.Query{
			LocationID: k.locationID,
			Source:     k.source,
			From:       times[0].Add(-f.lookback),
			To:         times[len(times)-1].Add(time.Second),
		})
		if err != nil {
			return sum, fmt.Errorf("loading series %s/%s: %w", k.locationID, k.source, err)
		}

		byTime := make(map[int64]int, len(series))
		for i := range series {
			byTime[series[i].ObservedAt.Unix()] = i
		}

		for _, t := range times {
			i, ok := byTime[t.Unix()]
			if !ok {
				continue
			}
			o := &series[i]
			facts := Facts{Superseded: o.Revised || conflicted[keyID(o.Key())]}
			if i > 0 {
				facts.Previous = &series[i-1]
			}

			flag := f.evaluate(o, facts)
			sum.Checked++
			if flag == models.QualitySuspect {
				sum.Suspect++
			} else {
				sum.OK++
			}
			updates = append(updates, repository.FlagUpdate{Key: o.Key(), Flag: flag})
		}
	}

	if err := f.store.SetQualityFlags(ctx, updates); err != nil {
		return sum, err
	}
	if len(superseded) > 0 {
		if _, err := f.store.FlagRevisions(ctx, superseded, models.QualitySuspect); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (f *Flagger) evaluate(o *models.Observation, facts Facts) models.QualityFlag {
	var findings []Finding
	for _, r := range f.rules {
		findings = append(findings, r.Check(o, facts)...)
	}
	if len(findings) == 0 {
		return models.QualityOK
	}
	for _, fd := range findings {
		if f.metrics != nil {
			f.metrics.RecordsFlagged.WithLabelValues(fd.Rule).Inc()
		}
		slog.Debug("observation flagged suspect",
			"location", o.LocationID, "source", o.Source, "observed_at", o.ObservedAt,
			"rule", fd.Rule, "reason", fd.Reason)
	}
	return models.QualitySuspect
}

func keyID(k models.ObservationKey) string {
	return fmt.Sprintf("%s|%d|%s", k.LocationID, k.ObservedAt.Unix(), k.Source)
}
