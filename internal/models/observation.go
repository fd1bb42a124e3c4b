package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type QualityFlag string

const (
	QualityUnchecked QualityFlag = "unchecked"
	QualityOK        QualityFlag = "ok"
	QualitySuspect   QualityFlag = "suspect"
	QualityRejected  QualityFlag = "rejected"
)

type RecordKind string

const (
	KindObservation RecordKind = "observation"
	KindForecast    RecordKind = "forecast"
)

// Record is either an *Observation or a *Forecast.
type Record interface {
	RecordKind() RecordKind
}

// Measurements are the meteorological fields shared by observations and
// forecasts. Every field is nullable and serializes as null when absent.
type Measurements struct {
	TemperatureC     *float64 `json:"temperature_c"`
	HumidityPct      *float64 `json:"humidity_pct"`
	PressureHPa      *float64 `json:"pressure_hpa"`
	WindSpeedMS      *float64 `json:"wind_speed_ms"`
	WindDirectionDeg *float64 `json:"wind_direction_deg"`
	WindGustMS       *float64 `json:"wind_gust_ms"`
	PrecipitationMM  *float64 `json:"precipitation_mm"`
	CloudCoverPct    *float64 `json:"cloud_cover_pct"`
	VisibilityM      *float64 `json:"visibility_m"`
	WeatherCode      *int     `json:"weather_code"`
}

// Empty reports whether no field carries a value.
func (m *Measurements) Empty() bool {
	return m.TemperatureC == nil && m.HumidityPct == nil && m.PressureHPa == nil &&
		m.WindSpeedMS == nil && m.WindDirectionDeg == nil && m.WindGustMS == nil &&
		m.PrecipitationMM == nil && m.CloudCoverPct == nil && m.VisibilityM == nil &&
		m.WeatherCode == nil
}

type ObservationKey struct {
	LocationID string
	ObservedAt time.Time
	Source     string
}

type Observation struct {
	LocationID string    `json:"location_id"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
	Measurements
	Raw         json.RawMessage `json:"raw,omitempty"`
	QualityFlag QualityFlag     `json:"quality_flag"`
	ReceivedAt  time.Time       `json:"received_at"`
	Notes       []string        `json:"notes,omitempty"`
	// Revised is set on stored rows that have archived, overwritten revisions.
	Revised bool `json:"revised,omitempty"`
}

func (o *Observation) RecordKind() RecordKind { return KindObservation }

func (o *Observation) Key() ObservationKey {
	return ObservationKey{LocationID: o.LocationID, ObservedAt: o.ObservedAt.UTC(), Source: o.Source}
}

// ContentHash identifies the measured content of an observation. Two
// deliveries of the same reading hash equally regardless of when they were
// received.
func (o *Observation) ContentHash() string {
	return hashMeasurements(&o.Measurements, nil)
}

func hashMeasurements(m *Measurements, extra *float64) string {
	b, _ := json.Marshal(struct {
		*Measurements
		Extra *float64 `json:"extra"`
	}{m, extra})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
