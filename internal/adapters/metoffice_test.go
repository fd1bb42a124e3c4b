package adapters

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const metOfficeObservations = `[
	{"datetime": "2024-07-01T09:00Z", "temperature": 14.0, "humidity": 81, "mslp": 1013,
	 "wind_speed": 4.1, "wind_direction": "SW", "wind_gust": 7.2, "visibility": 20000, "weather_code": 7},
	{"datetime": "2024-07-01T10:00Z", "temperature": 15.5, "humidity": 77, "mslp": 101250,
	 "wind_speed": 3.6, "wind_direction": "XYZ", "visibility": 25000, "pressure_tendency": "R"},
	{"datetime": "2024-06-30T10:00Z", "temperature": 12.0}
]`

func TestMetOffice_FetchAndNormalize(t *testing.T) {
	var nearestCalls atomic.Int32
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		switch r.URL.Path {
		case "/nearest":
			nearestCalls.Add(1)
			assert.Equal(t, "51.50", r.URL.Query().Get("lat"))
			assert.Equal(t, "-0.12", r.URL.Query().Get("lon"))
			w.Write([]byte(`[{"geohash": "gcpvj0", "area": "London", "region": "Greater London",
				"country": "England", "olson_time_zone": "Europe/London"}]`))
		case "/gcpvj0":
			w.Write([]byte(metOfficeObservations))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	clock := clockwork.NewFakeClockAt(time.Date(2024, 7, 1, 10, 5, 0, 0, time.UTC))
	a, err := NewMetOffice(f, "secret", WithBaseURL(base), WithClock(clock))
	require.NoError(t, err)

	w := models.Window{
		Start: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 7, 2, 0, 0, 0, 0, time.UTC),
	}
	res, err := a.Fetch(context.Background(), home, w)
	require.NoError(t, err)
	_, err = a.Fetch(context.Background(), home, w)
	require.NoError(t, err)
	assert.Equal(t, int32(1), nearestCalls.Load(), "station lookup is cached")

	require.Len(t, res.Locations, 1)
	st := res.Locations[0]
	assert.Equal(t, "metoffice_gcpvj0", st.ID)
	assert.Equal(t, "Met Office - London", st.Name)
	assert.Equal(t, models.LocationOfficialStation, st.Type)
	assert.Equal(t, "Europe/London", st.Metadata["timezone"])

	// the record from the previous day is outside the window
	require.Len(t, res.Records, 2)

	rec, err := a.Normalize(res.Records[0])
	require.NoError(t, err)
	o := rec.(*models.Observation)
	assert.Equal(t, "metoffice_gcpvj0", o.LocationID)
	assert.Equal(t, "metoffice_datahub", o.Source)
	assert.Equal(t, 225.0, *o.WindDirectionDeg)
	assert.Equal(t, 1013.0, *o.PressureHPa)
	assert.Equal(t, 7, *o.WeatherCode)
	assert.Empty(t, o.Notes)

	rec, err = a.Normalize(res.Records[1])
	require.NoError(t, err)
	o = rec.(*models.Observation)
	assert.Equal(t, 1012.5, *o.PressureHPa, "Pa converted to hPa")
	assert.Nil(t, o.WindDirectionDeg)
	assert.Equal(t, []string{`wind_direction_deg: unknown compass point "XYZ" nulled`}, o.Notes)
	assert.Nil(t, o.WindGustMS)
}

func TestMetOffice_NoStationIsPermanent(t *testing.T) {
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	a, err := NewMetOffice(f, "secret", WithBaseURL(base))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), home, models.Window{})
	assert.True(t, apperrors.Is(err, apperrors.Permanent))

	_, err = NewMetOffice(f, "")
	assert.Error(t, err)
}

func TestMetOffice_StationOutOfRangeIsPermanent(t *testing.T) {
	f, base := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nearest":
			w.Write([]byte(`[{"geohash": "gcpvj0", "area": "London", "latitude": 151.5, "longitude": -0.12}]`))
		default:
			w.Write([]byte(metOfficeObservations))
		}
	})
	a, err := NewMetOffice(f, "secret", WithBaseURL(base))
	require.NoError(t, err)

	_, err = a.Fetch(context.Background(), home, models.Window{})
	assert.True(t, apperrors.Is(err, apperrors.Permanent))
	assert.Contains(t, err.Error(), "latitude 151.5 out of range")
}

func TestMetOffice_NormalizeWithoutDatetime(t *testing.T) {
	a, err := NewMetOffice(nil, "secret")
	require.NoError(t, err)
	_, err = a.Normalize(RawRecord{LocationID: "metoffice_x", Payload: []byte(`{"temperature": 10}`)})
	assert.True(t, apperrors.Is(err, apperrors.Normalization))
}

func TestWindDirection(t *testing.T) {
	d, note := windDirection([]byte(`270`))
	assert.Equal(t, 270.0, *d)
	assert.Empty(t, note)

	d, note = windDirection([]byte(`null`))
	assert.Nil(t, d)
	assert.Empty(t, note)

	d, note = windDirection([]byte(`{"deg": 1}`))
	assert.Nil(t, d)
	assert.NotEmpty(t, note)
}
