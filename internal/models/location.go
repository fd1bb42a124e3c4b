package models

import "fmt"

type LocationType string

const (
	LocationTarget          LocationType = "target"
	LocationPersonalStation LocationType = "personal_station"
	LocationOfficialStation LocationType = "official_station"
	LocationGridPoint       LocationType = "grid_point"
)

func (t LocationType) Valid() bool {
	switch t {
	case LocationTarget, LocationPersonalStation, LocationOfficialStation, LocationGridPoint:
		return true
	}
	return false
}

// Location is a point of interest or a station discovered by an adapter.
// Only Metadata may change after creation.
type Location struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Latitude   float64        `json:"latitude" yaml:"latitude"`
	Longitude  float64        `json:"longitude" yaml:"longitude"`
	ElevationM *float64       `json:"elevation_m" yaml:"elevation_m"`
	Type       LocationType   `json:"type" yaml:"type"`
	Source     string         `json:"source" yaml:"source"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

func (l *Location) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("location id is required")
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("location %s: latitude %v out of range [-90, 90]", l.ID, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("location %s: longitude %v out of range [-180, 180]", l.ID, l.Longitude)
	}
	if !l.Type.Valid() {
		return fmt.Errorf("location %s: unknown type %q", l.ID, l.Type)
	}
	return nil
}
