package api

import (
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON renders locations as points. Elevation, when known, is the
// third coordinate.
func toGeoJSON(locations []models.Location) FeatureCollection {
	features := make([]Feature, 0, len(locations))

	for _, l := range locations {
		coords := []float64{l.Longitude, l.Latitude}
		if l.ElevationM != nil {
			coords = append(coords, *l.ElevationM)
		}
		props := map[string]any{
			"id":     l.ID,
			"name":   l.Name,
			"type":   string(l.Type),
			"source": l.Source,
		}
		if len(l.Metadata) > 0 {
			props["metadata"] = l.Metadata
		}
		features = append(features, Feature{
			Type:       "Feature",
			Geometry:   Geometry{Type: "Point", Coordinates: coords},
			Properties: props,
		})
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
