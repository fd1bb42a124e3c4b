package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const openMeteoURL = "https://api.open-meteo.com"

var hourlyVars = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"pressure_msl",
	"wind_speed_10m",
	"wind_direction_10m",
	"wind_gusts_10m",
	"precipitation",
	"cloud_cover",
	"weather_code",
}

var forecastEndpoints = map[string]string{
	"ecmwf": "/v1/ecmwf",
	"gfs":   "/v1/gfs",
	"icon":  "/v1/dwd-icon",
	"auto":  "/v1/forecast",
}

// hourlyResponse is the Open-Meteo column layout: hourly.time plus one
// parallel array per variable.
type hourlyResponse struct {
	Latitude  float64                    `json:"latitude"`
	Longitude float64                    `json:"longitude"`
	Elevation *float64                   `json:"elevation"`
	Hourly    map[string]json.RawMessage `json:"hourly"`
}

// hourlyRow is one column-slice of an hourly response. It is the raw record
// payload for every Open-Meteo based adapter.
type hourlyRow struct {
	Time        string              `json:"time"`
	Values      map[string]*float64 `json:"values"`
	ModelFamily string              `json:"model_family,omitempty"`
	Endpoint    string              `json:"endpoint,omitempty"`
	IssuedAt    *time.Time          `json:"issued_at,omitempty"`
}

func (r *hourlyResponse) rows() ([]hourlyRow, error) {
	var times []string
	raw, ok := r.Hourly["time"]
	if !ok {
		return nil, fmt.Errorf("hourly.time missing")
	}
	if err := json.Unmarshal(raw, &times); err != nil {
		return nil, fmt.Errorf("hourly.time: %w", err)
	}

	cols := make(map[string][]*float64, len(r.Hourly))
	for name, raw := range r.Hourly {
		if name == "time" {
			continue
		}
		var vals []*float64
		if err := json.Unmarshal(raw, &vals); err != nil {
			return nil, fmt.Errorf("hourly.%s: %w", name, err)
		}
		cols[name] = vals
	}

	rows := make([]hourlyRow, 0, len(times))
	for i, t := range times {
		values := make(map[string]*float64, len(cols))
		for name, vals := range cols {
			if i < len(vals) {
				values[name] = vals[i]
			} else {
				values[name] = nil
			}
		}
		rows = append(rows, hourlyRow{Time: t, Values: values})
	}
	return rows, nil
}

func hourlyMeasurements(v map[string]*float64) models.Measurements {
	m := models.Measurements{
		TemperatureC:     v["temperature_2m"],
		HumidityPct:      v["relative_humidity_2m"],
		PressureHPa:      v["pressure_msl"],
		WindSpeedMS:      v["wind_speed_10m"],
		WindDirectionDeg: v["wind_direction_10m"],
		WindGustMS:       v["wind_gusts_10m"],
		PrecipitationMM:  v["precipitation"],
		CloudCoverPct:    v["cloud_cover"],
		VisibilityM:      v["visibility"],
	}
	if c := v["weather_code"]; c != nil {
		m.WeatherCode = models.Int(int(*c))
	}
	return m
}

func hourlyQuery(loc models.Location, vars []string) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', 4, 64))
	q.Set("hourly", strings.Join(vars, ","))
	q.Set("timezone", "UTC")
	q.Set("wind_speed_unit", "ms")
	return q
}

func getHourly(ctx context.Context, c Client, op, endpoint string) (*hourlyResponse, []hourlyRow, error) {
	var resp hourlyResponse
	if err := c.GetJSON(ctx, endpoint, nil, &resp); err != nil {
		return nil, nil, err
	}
	rows, err := resp.rows()
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.Permanent, op, "malformed payload")
	}
	return &resp, rows, nil
}

func normalizeHourlyObservation(adapter, source string, raw RawRecord) (*models.Observation, error) {
	var row hourlyRow
	if err := json.Unmarshal(raw.Payload, &row); err != nil {
		return nil, normErr(adapter, "malformed record", err)
	}
	at, err := parseUTC(row.Time)
	if err != nil {
		return nil, normErr(adapter, "no usable timestamp", err)
	}
	o := &models.Observation{
		LocationID:   raw.LocationID,
		ObservedAt:   at,
		Source:       source,
		Measurements: hourlyMeasurements(row.Values),
		Raw:          raw.Payload,
		QualityFlag:  models.QualityUnchecked,
		ReceivedAt:   raw.ReceivedAt,
	}
	o.Notes = sanitize(&o.Measurements)
	return o, nil
}

// OpenMeteo collects modelled hourly conditions for a target location over
// the requested window.
type OpenMeteo struct {
	client Client
	s      settings
}

func NewOpenMeteo(client Client, opts ...Option) *OpenMeteo {
	return &OpenMeteo{client: client, s: newSettings(openMeteoURL, opts)}
}

func (a *OpenMeteo) Name() string { return "openmeteo" }

func (a *OpenMeteo) Fetch(ctx context.Context, loc models.Location, w models.Window) (*FetchResult, error) {
	q := hourlyQuery(loc, hourlyVars)
	q.Set("start_hour", w.Start.UTC().Format("2006-01-02T15:04"))
	q.Set("end_hour", w.End.UTC().Format("2006-01-02T15:04"))

	_, rows, err := getHourly(ctx, a.client, "openmeteo.fetch", a.s.baseURL+"/v1/forecast?"+q.Encode())
	if err != nil {
		return nil, err
	}

	now := a.s.clock.Now().UTC()
	res := &FetchResult{}
	for _, row := range rows {
		// unparseable times are kept so normalization can reject them
		if t, err := parseUTC(row.Time); err == nil && (!w.Contains(t) || t.After(now)) {
			continue
		}
		rec, err := rawRecord(models.KindObservation, loc.ID, now, row)
		if err != nil {
			res.Errors = append(res.Errors, ItemError{Ref: row.Time, Err: err})
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func (a *OpenMeteo) Normalize(raw RawRecord) (models.Record, error) {
	return normalizeHourlyObservation(a.Name(), "openmeteo", raw)
}

// OpenMeteoForecast collects NWP forecasts, one request per model family.
// A forecast run is identified by the request hour.
type OpenMeteoForecast struct {
	client   Client
	s        settings
	families []string
	days     int
}

func NewOpenMeteoForecast(client Client, families []string, days int, opts ...Option) (*OpenMeteoForecast, error) {
	if len(families) == 0 {
		families = []string{"ecmwf", "gfs", "icon", "auto"}
	}
	for _, f := range families {
		if _, ok := forecastEndpoints[f]; !ok {
			return nil, fmt.Errorf("unknown model family %q", f)
		}
	}
	if days <= 0 {
		days = 7
	}
	return &OpenMeteoForecast{client: client, s: newSettings(openMeteoURL, opts), families: families, days: days}, nil
}

func (a *OpenMeteoForecast) Name() string { return "openmeteo_forecast" }

func (a *OpenMeteoForecast) Fetch(ctx context.Context, loc models.Location, _ models.Window) (*FetchResult, error) {
	now := a.s.clock.Now().UTC()
	issued := now.Truncate(time.Hour)

	q := hourlyQuery(loc, append(hourlyVars[:len(hourlyVars):len(hourlyVars)], "precipitation_probability"))
	q.Set("forecast_days", strconv.Itoa(a.days))

	res := &FetchResult{}
	var lastErr error
	succeeded := 0
	for _, family := range a.families {
		endpoint := a.s.baseURL + forecastEndpoints[family]
		_, rows, err := getHourly(ctx, a.client, "openmeteo_forecast.fetch", endpoint+"?"+q.Encode())
		if err != nil {
			if apperrors.Is(err, apperrors.Cancelled) {
				return nil, err
			}
			lastErr = err
			res.Errors = append(res.Errors, ItemError{Ref: family, Err: err})
			continue
		}
		succeeded++

		for _, row := range rows {
			if t, err := parseUTC(row.Time); err == nil && t.Before(issued) {
				continue
			}
			row.ModelFamily = family
			row.Endpoint = endpoint
			row.IssuedAt = &issued
			rec, err := rawRecord(models.KindForecast, loc.ID, now, row)
			if err != nil {
				res.Errors = append(res.Errors, ItemError{Ref: family + "@" + row.Time, Err: err})
				continue
			}
			res.Records = append(res.Records, rec)
		}
	}
	if succeeded == 0 {
		return nil, lastErr
	}
	return res, nil
}

func (a *OpenMeteoForecast) Normalize(raw RawRecord) (models.Record, error) {
	var row hourlyRow
	if err := json.Unmarshal(raw.Payload, &row); err != nil {
		return nil, normErr(a.Name(), "malformed record", err)
	}
	if row.IssuedAt == nil || row.ModelFamily == "" {
		return nil, normErr(a.Name(), "missing issue time or model family", nil)
	}
	valid, err := parseUTC(row.Time)
	if err != nil {
		return nil, normErr(a.Name(), "no usable timestamp", err)
	}
	issued := row.IssuedAt.UTC()
	if valid.Before(issued) {
		return nil, normErr(a.Name(), "valid time before issue time", nil)
	}

	f := &models.Forecast{
		LocationID:   raw.LocationID,
		Source:       "openmeteo_" + row.ModelFamily,
		IssuedAt:     issued,
		ValidAt:      valid,
		LeadTime:     valid.Sub(issued),
		Measurements: hourlyMeasurements(row.Values),
		Raw:          raw.Payload,
		QualityFlag:  models.QualityUnchecked,
		ReceivedAt:   raw.ReceivedAt,
	}
	f.Notes = sanitize(&f.Measurements)
	if p := row.Values["precipitation_probability"]; p != nil {
		if *p < 0 || *p > 100 {
			f.Notes = append(f.Notes, fmt.Sprintf("precipitation_probability_pct: out of range (%v) nulled", *p))
		} else {
			f.PrecipitationProbabilityPct = p
		}
	}
	return f, nil
}
