package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const metOfficeURL = "https://data.hub.api.metoffice.gov.uk/observation-land/1"

type metOfficeStation struct {
	Geohash       string   `json:"geohash"`
	Area          string   `json:"area"`
	Region        string   `json:"region"`
	Country       string   `json:"country"`
	OlsonTimeZone string   `json:"olson_time_zone"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
}

type metOfficeObservation struct {
	Datetime         string          `json:"datetime"`
	Temperature      *float64        `json:"temperature"`
	Humidity         *float64        `json:"humidity"`
	MSLP             *float64        `json:"mslp"`
	WindSpeed        *float64        `json:"wind_speed"`
	WindDirection    json.RawMessage `json:"wind_direction"`
	WindGust         *float64        `json:"wind_gust"`
	Visibility       *float64        `json:"visibility"`
	WeatherCode      *int            `json:"weather_code"`
	PressureTendency *string         `json:"pressure_tendency"`
}

// MetOffice collects land observations from the station nearest to a target
// location. Station lookups are cached per coordinate rounded to 0.01°.
type MetOffice struct {
	client Client
	s      settings
	apiKey string

	mu      sync.Mutex
	nearest map[string]metOfficeStation
}

func NewMetOffice(client Client, apiKey string, opts ...Option) (*MetOffice, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("metoffice: api key is required")
	}
	return &MetOffice{
		client:  client,
		s:       newSettings(metOfficeURL, opts),
		apiKey:  apiKey,
		nearest: make(map[string]metOfficeStation),
	}, nil
}

func (a *MetOffice) Name() string { return "metoffice" }

func (a *MetOffice) header() http.Header {
	h := http.Header{}
	h.Set("apikey", a.apiKey)
	return h
}

func (a *MetOffice) station(ctx context.Context, lat, lon float64) (metOfficeStation, error) {
	key := fmt.Sprintf("%.2f,%.2f", lat, lon)
	a.mu.Lock()
	st, ok := a.nearest[key]
	a.mu.Unlock()
	if ok {
		return st, nil
	}

	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(lat, 'f', 2, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', 2, 64))
	var found []metOfficeStation
	if err := a.client.GetJSON(ctx, a.s.baseURL+"/nearest?"+q.Encode(), a.header(), &found); err != nil {
		return st, err
	}
	if len(found) == 0 || found[0].Geohash == "" {
		return st, apperrors.New(apperrors.Permanent, "metoffice.nearest", "no station near "+key)
	}

	a.mu.Lock()
	a.nearest[key] = found[0]
	a.mu.Unlock()
	return found[0], nil
}

func (a *MetOffice) Fetch(ctx context.Context, loc models.Location, w models.Window) (*FetchResult, error) {
	st, err := a.station(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return nil, err
	}

	var payloads []json.RawMessage
	if err := a.client.GetJSON(ctx, a.s.baseURL+"/"+url.PathEscape(st.Geohash), a.header(), &payloads); err != nil {
		return nil, err
	}

	station := models.Location{
		ID:        "metoffice_" + st.Geohash,
		Name:      "Met Office - " + st.Area,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Type:      models.LocationOfficialStation,
		Source:    "metoffice",
		Metadata: map[string]any{
			"geohash":  st.Geohash,
			"area":     st.Area,
			"region":   st.Region,
			"country":  st.Country,
			"timezone": st.OlsonTimeZone,
		},
	}
	if st.Latitude != nil && st.Longitude != nil {
		station.Latitude, station.Longitude = *st.Latitude, *st.Longitude
	}
	if err := station.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Permanent, "metoffice.fetch", "unusable station")
	}

	now := a.s.clock.Now().UTC()
	res := &FetchResult{Locations: []models.Location{station}}
	for i, p := range payloads {
		var o metOfficeObservation
		if err := json.Unmarshal(p, &o); err != nil {
			res.Errors = append(res.Errors, ItemError{Ref: fmt.Sprintf("%s[%d]", st.Geohash, i), Err: err})
			continue
		}
		if t, err := parseUTC(o.Datetime); err == nil && !w.Contains(t) {
			continue
		}
		res.Records = append(res.Records, RawRecord{
			Kind:       models.KindObservation,
			LocationID: station.ID,
			ReceivedAt: now,
			Payload:    p,
		})
	}
	return res, nil
}

func (a *MetOffice) Normalize(raw RawRecord) (models.Record, error) {
	var p metOfficeObservation
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, normErr(a.Name(), "malformed record", err)
	}
	at, err := parseUTC(p.Datetime)
	if err != nil {
		return nil, normErr(a.Name(), "no usable timestamp", err)
	}

	o := &models.Observation{
		LocationID: raw.LocationID,
		ObservedAt: at,
		Source:     "metoffice_datahub",
		Measurements: models.Measurements{
			TemperatureC: p.Temperature,
			HumidityPct:  p.Humidity,
			PressureHPa:  p.MSLP,
			WindSpeedMS:  p.WindSpeed,
			WindGustMS:   p.WindGust,
			VisibilityM:  p.Visibility,
			WeatherCode:  p.WeatherCode,
		},
		Raw:         raw.Payload,
		QualityFlag: models.QualityUnchecked,
		ReceivedAt:  raw.ReceivedAt,
	}

	// some stations report pressure in Pa
	if v := o.PressureHPa; v != nil && *v > 2000 {
		o.PressureHPa = models.Float(*v / 100)
	}

	var notes []string
	if deg, note := windDirection(p.WindDirection); note != "" {
		notes = append(notes, note)
	} else {
		o.WindDirectionDeg = deg
	}
	o.Notes = append(notes, sanitize(&o.Measurements)...)
	return o, nil
}

// windDirection accepts a 16-point compass string or degrees.
func windDirection(raw json.RawMessage) (*float64, string) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ""
	}
	var point string
	if err := json.Unmarshal(raw, &point); err == nil {
		if point == "" {
			return nil, ""
		}
		if d, ok := compassDegrees(point); ok {
			return models.Float(d), ""
		}
		return nil, fmt.Sprintf("wind_direction_deg: unknown compass point %q nulled", point)
	}
	var deg float64
	if err := json.Unmarshal(raw, &deg); err == nil {
		return models.Float(deg), ""
	}
	return nil, fmt.Sprintf("wind_direction_deg: unreadable value %s nulled", raw)
}
