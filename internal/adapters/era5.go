package adapters

import (
	"context"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const (
	era5URL = "https://archive-api.open-meteo.com"

	// ERA5 is published with a delay of about five days.
	era5Lag = 5 * 24 * time.Hour
	// the archive API serves at most this much per request
	era5Chunk = 90 * 24 * time.Hour
)

// ERA5 backfills reanalysis data for the grid cell covering a target
// location. Records are stored against a grid_point location of their own so
// they never mix with station or model series.
type ERA5 struct {
	client Client
	s      settings
}

func NewERA5(client Client, opts ...Option) *ERA5 {
	return &ERA5{client: client, s: newSettings(era5URL, opts)}
}

func (a *ERA5) Name() string { return "era5" }

func (a *ERA5) Fetch(ctx context.Context, loc models.Location, w models.Window) (*FetchResult, error) {
	now := a.s.clock.Now().UTC()
	if latest := now.Add(-era5Lag); w.End.After(latest) {
		w.End = latest
	}
	res := &FetchResult{}
	if !w.End.After(w.Start) {
		return res, nil
	}

	grid := models.Location{
		ID:        "era5_" + loc.ID,
		Name:      "ERA5 - " + loc.Name,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Type:      models.LocationGridPoint,
		Source:    "era5",
		Metadata: map[string]any{
			"resolution_km": 25,
			"data_type":     "reanalysis",
			"provider":      "ECMWF via Open-Meteo",
			"target":        loc.ID,
		},
	}

	var lastErr error
	succeeded := 0
	for _, chunk := range w.Split(era5Chunk) {
		q := hourlyQuery(loc, hourlyVars)
		q.Set("start_date", chunk.Start.Format("2006-01-02"))
		q.Set("end_date", chunk.End.Add(-time.Nanosecond).Format("2006-01-02"))

		ref := chunk.Start.Format("2006-01-02")
		resp, rows, err := getHourly(ctx, a.client, "era5.fetch", a.s.baseURL+"/v1/archive?"+q.Encode())
		if err != nil {
			if apperrors.Is(err, apperrors.Cancelled) {
				return nil, err
			}
			lastErr = err
			res.Errors = append(res.Errors, ItemError{Ref: ref, Err: err})
			continue
		}
		if succeeded == 0 && (resp.Latitude != 0 || resp.Longitude != 0) {
			// snap to the cell the archive actually answered for
			grid.Latitude, grid.Longitude, grid.ElevationM = resp.Latitude, resp.Longitude, resp.Elevation
		}
		succeeded++

		for _, row := range rows {
			if t, err := parseUTC(row.Time); err == nil && !chunk.Contains(t) {
				continue
			}
			rec, err := rawRecord(models.KindObservation, grid.ID, now, row)
			if err != nil {
				res.Errors = append(res.Errors, ItemError{Ref: row.Time, Err: err})
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}
	if succeeded == 0 {
		return nil, lastErr
	}
	res.Locations = append(res.Locations, grid)
	return res, nil
}

func (a *ERA5) Normalize(raw RawRecord) (models.Record, error) {
	return normalizeHourlyObservation(a.Name(), "era5_reanalysis", raw)
}
