package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-weather-ingest/internal/config"
	"github.com/mr1hm/go-weather-ingest/internal/scheduler"
)

const sources = `
locations:
  - id: home
    latitude: 51.5
    longitude: -0.12
adapters:
  openmeteo:
    interval: 1h
  openmeteo_forecast:
    families: [gfs, icon]
    interval: 6h
  era5:
    interval: 0s
  metoffice:
    enabled: false
`

func parse(t *testing.T, y string) *config.Sources {
	t.Helper()
	s, err := config.ParseSources([]byte(y))
	require.NoError(t, err)
	return s
}

func TestBuildAdapters(t *testing.T) {
	list, jobs, err := BuildAdapters(*parse(t, sources), nil)
	require.NoError(t, err)

	var names []string
	for _, a := range list {
		names = append(names, a.Name())
	}
	assert.Equal(t, []string{"era5", "openmeteo", "openmeteo_forecast"}, names)
	assert.Equal(t, []scheduler.Job{
		{Adapter: "openmeteo", Interval: time.Hour},
		{Adapter: "openmeteo_forecast", Interval: 6 * time.Hour},
	}, jobs)
}

func TestBuildAdapters_Errors(t *testing.T) {
	base := "locations: [{id: home, latitude: 1, longitude: 1}]\n"
	tests := map[string]string{
		"unknown adapter": base + "adapters: {wunderground: {}}\n",
		"missing api key": base + "adapters: {metoffice: {credentials: {api_key: UNSET_METOFFICE_KEY}}}\n",
		"missing token":   base + "adapters: {netatmo: {}}\n",
		"unknown family":  base + "adapters: {openmeteo_forecast: {families: [ukmo]}}\n",
	}
	for name, y := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := BuildAdapters(*parse(t, y), nil)
			assert.Error(t, err)
		})
	}
}

func TestBuildAdapters_Credentials(t *testing.T) {
	t.Setenv("TEST_METOFFICE_KEY", "secret")
	t.Setenv("TEST_NETATMO_TOKEN", "token")
	s := parse(t, `
locations: [{id: home, latitude: 1, longitude: 1}]
adapters:
  metoffice:
    credentials: {api_key: TEST_METOFFICE_KEY}
  netatmo:
    radius_km: 5
    credentials: {access_token: TEST_NETATMO_TOKEN}
`)
	list, _, err := BuildAdapters(*s, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestNew(t *testing.T) {
	cfg := &config.Config{
		DB:      config.DatabaseConfig{Path: ":memory:"},
		Sources: *parse(t, sources),
	}
	ctx := context.Background()

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"era5", "openmeteo", "openmeteo_forecast"}, a.Manager.Adapters())
	assert.Len(t, a.Manager.Targets(), 1)

	loc, err := a.DB.GetLocation(ctx, "home")
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Equal(t, "config", loc.Source)
}
