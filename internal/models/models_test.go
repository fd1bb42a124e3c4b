package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name  string
		units []RunUnit
		want  RunStatus
	}{
		{"no units", nil, RunSuccess},
		{"all ok", []RunUnit{{Status: UnitSuccess}, {Status: UnitSuccess}}, RunSuccess},
		{"mixed", []RunUnit{{Status: UnitSuccess}, {Status: UnitFailed}}, RunPartial},
		{"cancelled counts as not done", []RunUnit{{Status: UnitSuccess}, {Status: UnitCancelled}}, RunPartial},
		{"all failed", []RunUnit{{Status: UnitFailed}, {Status: UnitCancelled}}, RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.units); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestWindow_Split(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Window{Start: start, End: start.Add(200 * 24 * time.Hour)}

	chunks := w.Split(90 * 24 * time.Hour)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if !chunks[0].Start.Equal(w.Start) || !chunks[2].End.Equal(w.End) {
		t.Errorf("chunks do not cover window: %+v", chunks)
	}
	for i := 1; i < len(chunks); i++ {
		if !chunks[i].Start.Equal(chunks[i-1].End) {
			t.Errorf("gap between chunk %d and %d", i-1, i)
		}
	}
}

func TestLocation_Validate(t *testing.T) {
	loc := Location{ID: "home", Latitude: 55.95, Longitude: -3.19, Type: LocationTarget}
	if err := loc.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loc.Latitude = 91
	if err := loc.Validate(); err == nil {
		t.Error("expected error for latitude 91")
	}

	loc.Latitude = 0
	loc.Type = "satellite"
	if err := loc.Validate(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestForecast_CheckLeadTime(t *testing.T) {
	issued := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f := Forecast{IssuedAt: issued, ValidAt: issued.Add(6 * time.Hour), LeadTime: 6 * time.Hour}
	if err := f.CheckLeadTime(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	f.LeadTime = 5 * time.Hour
	if err := f.CheckLeadTime(); err == nil {
		t.Error("expected lead time mismatch error")
	}
}

func TestObservation_ContentHashIgnoresReceivedAt(t *testing.T) {
	a := Observation{LocationID: "home", Source: "openmeteo", ReceivedAt: time.Now()}
	a.TemperatureC = Float(12.5)
	b := a
	b.ReceivedAt = a.ReceivedAt.Add(time.Hour)

	if a.ContentHash() != b.ContentHash() {
		t.Error("expected equal hashes for same content")
	}

	b.TemperatureC = Float(13)
	if a.ContentHash() == b.ContentHash() {
		t.Error("expected different hashes for different content")
	}
}

func TestObservation_NullsAreExplicit(t *testing.T) {
	o := Observation{LocationID: "home", Source: "openmeteo"}
	o.TemperatureC = Float(3)

	b, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(b), `"humidity_pct":null`) {
		t.Errorf("expected explicit null humidity, got %s", b)
	}
}
