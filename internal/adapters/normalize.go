package adapters

import (
	"fmt"
	"strings"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// physical limits, not plausibility. Values outside them cannot be a real
// reading and are dropped during normalization; plausibility is the
// flagger's job.
var physical = []struct {
	name     string
	get      func(*models.Measurements) **float64
	min, max float64
}{
	{"temperature_c", func(m *models.Measurements) **float64 { return &m.TemperatureC }, -100, 100},
	{"humidity_pct", func(m *models.Measurements) **float64 { return &m.HumidityPct }, 0, 100},
	{"pressure_hpa", func(m *models.Measurements) **float64 { return &m.PressureHPa }, 500, 1200},
	{"wind_speed_ms", func(m *models.Measurements) **float64 { return &m.WindSpeedMS }, 0, 150},
	{"wind_direction_deg", func(m *models.Measurements) **float64 { return &m.WindDirectionDeg }, 0, 360},
	{"wind_gust_ms", func(m *models.Measurements) **float64 { return &m.WindGustMS }, 0, 150},
	{"precipitation_mm", func(m *models.Measurements) **float64 { return &m.PrecipitationMM }, 0, 1000},
	{"cloud_cover_pct", func(m *models.Measurements) **float64 { return &m.CloudCoverPct }, 0, 100},
	{"visibility_m", func(m *models.Measurements) **float64 { return &m.VisibilityM }, 0, 500000},
}

// sanitize nulls fields outside physical limits and returns a note per
// dropped field.
func sanitize(m *models.Measurements) []string {
	var notes []string
	for _, p := range physical {
		v := p.get(m)
		if *v == nil {
			continue
		}
		if x := **v; x < p.min || x > p.max {
			notes = append(notes, fmt.Sprintf("%s: out of range (%v) nulled", p.name, x))
			*v = nil
		}
	}
	return notes
}

var compass = map[string]float64{
	"N": 0, "NNE": 22.5, "NE": 45, "ENE": 67.5,
	"E": 90, "ESE": 112.5, "SE": 135, "SSE": 157.5,
	"S": 180, "SSW": 202.5, "SW": 225, "WSW": 247.5,
	"W": 270, "WNW": 292.5, "NW": 315, "NNW": 337.5,
}

func compassDegrees(point string) (float64, bool) {
	d, ok := compass[strings.ToUpper(strings.TrimSpace(point))]
	return d, ok
}

func kmhToMS(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return models.Float(*v / 3.6)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseUTC accepts ISO-8601 timestamps with or without a zone; zoneless
// values are taken as UTC.
func parseUTC(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func normErr(adapter, msg string, err error) error {
	if err == nil {
		return apperrors.New(apperrors.Normalization, adapter+".normalize", msg)
	}
	return apperrors.Wrap(err, apperrors.Normalization, adapter+".normalize", msg)
}
