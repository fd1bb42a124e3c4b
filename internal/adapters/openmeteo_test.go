package adapters

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const hourlyPayload = `{
	"latitude": 51.5, "longitude": -0.12, "elevation": 14,
	"hourly": {
		"time": ["2024-07-01T09:00", "2024-07-01T10:00", "2024-07-01T11:00", "2024-07-01T12:00"],
		"temperature_2m": [14.1, 15.2, null, 17.8],
		"relative_humidity_2m": [80, 120, 70, 65],
		"wind_speed_10m": [3.1, 2.9, 3.3, 4],
		"weather_code": [3, 2, 1, 0],
		"precipitation_probability": [10, 20, 30, 40]
	}
}`

func TestOpenMeteo_FetchAndNormalize(t *testing.T) {
	var query map[string][]string
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forecast", r.URL.Path)
		query = r.URL.Query()
		w.Write([]byte(hourlyPayload))
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 11, 30, 0, 0, time.UTC))
	a := NewOpenMeteo(f, WithBaseURL(base), WithClock(clock))

	w := models.Window{
		Start: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 7, 1, 13, 0, 0, 0, time.UTC),
	}
	res, err := a.Fetch(context.Background(), home, w)
	require.NoError(t, err)

	assert.Equal(t, []string{"ms"}, query["wind_speed_unit"])
	assert.Equal(t, []string{"UTC"}, query["timezone"])
	assert.Equal(t, []string{"2024-07-01T10:00"}, query["start_hour"])

	// 09:00 is before the window, 12:00 has not happened yet
	require.Len(t, res.Records, 2)
	assert.Empty(t, res.Errors)

	rec, err := a.Normalize(res.Records[0])
	require.NoError(t, err)
	o := rec.(*models.Observation)
	assert.Equal(t, "home", o.LocationID)
	assert.Equal(t, "openmeteo", o.Source)
	assert.Equal(t, w.Start, o.ObservedAt)
	assert.Equal(t, clock.Now(), o.ReceivedAt)
	assert.Equal(t, 15.2, *o.TemperatureC)
	assert.Nil(t, o.HumidityPct)
	assert.Equal(t, []string{"humidity_pct: out of range (120) nulled"}, o.Notes)
	assert.Equal(t, 2, *o.WeatherCode)
	assert.Equal(t, models.QualityUnchecked, o.QualityFlag)
	assert.JSONEq(t, string(res.Records[0].Payload), string(o.Raw))

	rec, err = a.Normalize(res.Records[1])
	require.NoError(t, err)
	assert.Nil(t, rec.(*models.Observation).TemperatureC)
}

func TestOpenMeteo_NormalizeRejectsMissingTimestamp(t *testing.T) {
	a := NewOpenMeteo(nil)
	_, err := a.Normalize(RawRecord{Kind: models.KindObservation, LocationID: "home", Payload: []byte(`{"time":"","values":{}}`)})
	assert.True(t, apperrors.Is(err, apperrors.Normalization))

	_, err = a.Normalize(RawRecord{Payload: []byte(`[1,2]`)})
	assert.True(t, apperrors.Is(err, apperrors.Normalization))
}

func TestOpenMeteo_ProviderErrorFailsUnit(t *testing.T) {
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	a := NewOpenMeteo(f, WithBaseURL(base))
	_, err := a.Fetch(context.Background(), home, models.Window{Start: time.Now().Add(-time.Hour), End: time.Now()})
	assert.True(t, apperrors.Is(err, apperrors.Permanent))
}

func TestOpenMeteoForecast_FetchAndNormalize(t *testing.T) {
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/gfs":
			assert.Equal(t, "7", r.URL.Query().Get("forecast_days"))
			assert.Contains(t, r.URL.Query().Get("hourly"), "precipitation_probability")
			w.Write([]byte(hourlyPayload))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 10, 25, 0, 0, time.UTC))
	a, err := NewOpenMeteoForecast(f, []string{"gfs", "ecmwf"}, 0, WithBaseURL(base), WithClock(clock))
	require.NoError(t, err)

	res, err := a.Fetch(context.Background(), home, models.Window{})
	require.NoError(t, err)

	// 09:00 precedes the issue hour; ecmwf failing is an item error only
	require.Len(t, res.Records, 3)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "ecmwf", res.Errors[0].Ref)
	assert.True(t, apperrors.Is(res.Errors[0].Err, apperrors.Transient))

	rec, err := a.Normalize(res.Records[2])
	require.NoError(t, err)
	fc := rec.(*models.Forecast)
	issued := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "openmeteo_gfs", fc.Source)
	assert.Equal(t, issued, fc.IssuedAt)
	assert.Equal(t, issued.Add(2*time.Hour), fc.ValidAt)
	assert.Equal(t, 2*time.Hour, fc.LeadTime)
	assert.NoError(t, fc.CheckLeadTime())
	assert.Equal(t, 40.0, *fc.PrecipitationProbabilityPct)
}

func TestOpenMeteoForecast_AllFamiliesFailing(t *testing.T) {
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	a, err := NewOpenMeteoForecast(f, []string{"icon"}, 3, WithBaseURL(base))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), home, models.Window{})
	assert.True(t, apperrors.Is(err, apperrors.Transient))

	_, err = NewOpenMeteoForecast(f, []string{"ukmo"}, 3)
	assert.Error(t, err)
}
