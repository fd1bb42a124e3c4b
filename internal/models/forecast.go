package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type ForecastKey struct {
	LocationID string
	Source     string
	IssuedAt   time.Time
	ValidAt    time.Time
}

// Forecast is immutable once stored; a re-issue carries a new IssuedAt.
type Forecast struct {
	LocationID string        `json:"location_id"`
	Source     string        `json:"source"`
	IssuedAt   time.Time     `json:"issued_at"`
	ValidAt    time.Time     `json:"valid_at"`
	LeadTime   time.Duration `json:"lead_time"`
	Measurements
	PrecipitationProbabilityPct *float64        `json:"precipitation_probability_pct"`
	Raw                         json.RawMessage `json:"raw,omitempty"`
	QualityFlag                 QualityFlag     `json:"quality_flag"`
	ReceivedAt                  time.Time       `json:"received_at"`
	Notes                       []string        `json:"notes,omitempty"`
}

func (f *Forecast) RecordKind() RecordKind { return KindForecast }

func (f *Forecast) Key() ForecastKey {
	return ForecastKey{LocationID: f.LocationID, Source: f.Source, IssuedAt: f.IssuedAt.UTC(), ValidAt: f.ValidAt.UTC()}
}

// CheckLeadTime verifies the stored lead time matches ValidAt - IssuedAt.
func (f *Forecast) CheckLeadTime() error {
	want := f.ValidAt.Sub(f.IssuedAt)
	if f.LeadTime != want {
		return fmt.Errorf("forecast %s/%s: lead time %s does not match valid_at - issued_at (%s)",
			f.LocationID, f.Source, f.LeadTime, want)
	}
	return nil
}

func (f *Forecast) ContentHash() string {
	return hashMeasurements(&f.Measurements, f.PrecipitationProbabilityPct)
}
