package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

const netatmoURL = "https://api.netatmo.com"

type NetatmoCredentials struct {
	ClientID     string
	ClientSecret string
	AccessToken  string
	RefreshToken string
}

type netatmoStation struct {
	ID    string `json:"_id"`
	Place struct {
		Location []float64 `json:"location"` // [lon, lat]
		City     string    `json:"city"`
		Street   string    `json:"street"`
		Altitude *float64  `json:"altitude"`
		Timezone string    `json:"timezone"`
	} `json:"place"`
	Measures map[string]netatmoModule `json:"measures"`
}

type netatmoModule struct {
	Res          map[string][]*float64 `json:"res"`
	Type         []string              `json:"type"`
	Rain60Min    *float64              `json:"rain_60min"`
	RainLive     *float64              `json:"rain_live"`
	RainTimeUTC  *int64                `json:"rain_timeutc"`
	WindStrength *float64              `json:"wind_strength"` // km/h
	WindAngle    *float64              `json:"wind_angle"`
	GustStrength *float64              `json:"gust_strength"` // km/h
	WindTimeUTC  *int64                `json:"wind_timeutc"`
}

// Netatmo collects the latest reading of every public personal weather
// station within a radius of the target location.
type Netatmo struct {
	client   Client
	s        settings
	radiusKM float64

	mu    sync.Mutex
	creds NetatmoCredentials
}

func NewNetatmo(client Client, creds NetatmoCredentials, radiusKM float64, opts ...Option) (*Netatmo, error) {
	if creds.AccessToken == "" {
		return nil, fmt.Errorf("netatmo: access token is required")
	}
	if radiusKM <= 0 {
		radiusKM = 10
	}
	return &Netatmo{client: client, s: newSettings(netatmoURL, opts), radiusKM: radiusKM, creds: creds}, nil
}

func (a *Netatmo) Name() string { return "netatmo" }

func (a *Netatmo) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds.AccessToken
}

// boundingBox returns sw and ne corners around lat/lon.
func boundingBox(lat, lon, radiusKM float64) (latSW, lonSW, latNE, lonNE float64) {
	latOff := radiusKM / 111.0
	lonOff := radiusKM / (111.0 * math.Cos(lat*math.Pi/180))
	return lat - latOff, lon - lonOff, lat + latOff, lon + lonOff
}

func (a *Netatmo) publicData(ctx context.Context, loc models.Location) ([]json.RawMessage, error) {
	latSW, lonSW, latNE, lonNE := boundingBox(loc.Latitude, loc.Longitude, a.radiusKM)
	q := url.Values{}
	q.Set("lat_ne", strconv.FormatFloat(latNE, 'f', 6, 64))
	q.Set("lon_ne", strconv.FormatFloat(lonNE, 'f', 6, 64))
	q.Set("lat_sw", strconv.FormatFloat(latSW, 'f', 6, 64))
	q.Set("lon_sw", strconv.FormatFloat(lonSW, 'f', 6, 64))

	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.token())

	var resp struct {
		Body []json.RawMessage `json:"body"`
	}
	if err := a.client.GetJSON(ctx, a.s.baseURL+"/api/getpublicdata?"+q.Encode(), h, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (a *Netatmo) refresh(ctx context.Context) error {
	a.mu.Lock()
	creds := a.creds
	a.mu.Unlock()
	if creds.RefreshToken == "" || creds.ClientID == "" || creds.ClientSecret == "" {
		return apperrors.New(apperrors.Permanent, "netatmo.refresh", "access token rejected and no refresh credentials configured")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	body, err := a.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.s.baseURL+"/oauth2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return err
	}

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return apperrors.Wrap(fmt.Errorf("no access token in response"), apperrors.Permanent, "netatmo.refresh", "malformed payload")
	}

	a.mu.Lock()
	a.creds.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		a.creds.RefreshToken = tok.RefreshToken
	}
	a.mu.Unlock()
	return nil
}

// Fetch ignores the window: public data is a snapshot of current readings.
func (a *Netatmo) Fetch(ctx context.Context, loc models.Location, _ models.Window) (*FetchResult, error) {
	stations, err := a.publicData(ctx, loc)
	if apperrors.StatusOf(err) == http.StatusForbidden {
		if rerr := a.refresh(ctx); rerr != nil {
			return nil, rerr
		}
		stations, err = a.publicData(ctx, loc)
	}
	if err != nil {
		return nil, err
	}

	now := a.s.clock.Now().UTC()
	res := &FetchResult{}
	for i, raw := range stations {
		var st netatmoStation
		if err := json.Unmarshal(raw, &st); err != nil {
			res.Errors = append(res.Errors, ItemError{Ref: fmt.Sprintf("station[%d]", i), Err: err})
			continue
		}
		if st.ID == "" || len(st.Place.Location) < 2 {
			res.Errors = append(res.Errors, ItemError{Ref: fmt.Sprintf("station[%d]", i), Err: fmt.Errorf("station without id or coordinates")})
			continue
		}

		name := "Netatmo - " + st.Place.City
		if st.Place.Street != "" {
			name += " (" + st.Place.Street + ")"
		}
		station := models.Location{
			ID:         "netatmo_" + st.ID,
			Name:       name,
			Latitude:   st.Place.Location[1],
			Longitude:  st.Place.Location[0],
			ElevationM: st.Place.Altitude,
			Type:       models.LocationPersonalStation,
			Source:     "netatmo",
			Metadata: map[string]any{
				"station_id": st.ID,
				"city":       st.Place.City,
				"street":     st.Place.Street,
				"timezone":   st.Place.Timezone,
				"near":       loc.ID,
			},
		}
		if err := station.Validate(); err != nil {
			res.Errors = append(res.Errors, ItemError{Ref: fmt.Sprintf("station[%d]", i), Err: err})
			continue
		}
		res.Locations = append(res.Locations, station)
		res.Records = append(res.Records, RawRecord{
			Kind:       models.KindObservation,
			LocationID: station.ID,
			ReceivedAt: now,
			Payload:    raw,
		})
	}
	return res, nil
}

func (a *Netatmo) Normalize(raw RawRecord) (models.Record, error) {
	var st netatmoStation
	if err := json.Unmarshal(raw.Payload, &st); err != nil {
		return nil, normErr(a.Name(), "malformed record", err)
	}

	var (
		m               models.Measurements
		latest          int64
		rain60, rainNow *float64
	)
	seen := func(ts *int64) {
		if ts != nil && *ts > latest {
			latest = *ts
		}
	}
	for _, mod := range st.Measures {
		if mod.Rain60Min != nil {
			rain60 = mod.Rain60Min
		}
		if mod.RainLive != nil {
			rainNow = mod.RainLive
		}
		if mod.Rain60Min != nil || mod.RainLive != nil {
			seen(mod.RainTimeUTC)
		}
		if mod.WindStrength != nil || mod.GustStrength != nil || mod.WindAngle != nil {
			m.WindSpeedMS = kmhToMS(mod.WindStrength)
			m.WindGustMS = kmhToMS(mod.GustStrength)
			m.WindDirectionDeg = mod.WindAngle
			seen(mod.WindTimeUTC)
		}

		// res maps unix seconds to values ordered as in type
		var modLatest int64
		var values []*float64
		for k, v := range mod.Res {
			ts, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			if ts > modLatest {
				modLatest, values = ts, v
			}
		}
		if modLatest == 0 {
			continue
		}
		seen(&modLatest)
		for i, typ := range mod.Type {
			if i >= len(values) {
				break
			}
			switch typ {
			case "temperature":
				m.TemperatureC = values[i]
			case "humidity":
				m.HumidityPct = values[i]
			case "pressure":
				m.PressureHPa = values[i]
			}
		}
	}
	if latest == 0 {
		return nil, normErr(a.Name(), "no usable timestamp", nil)
	}
	m.PrecipitationMM = rain60
	if m.PrecipitationMM == nil {
		m.PrecipitationMM = rainNow
	}

	o := &models.Observation{
		LocationID:   raw.LocationID,
		ObservedAt:   time.Unix(latest, 0).UTC(),
		Source:       "netatmo",
		Measurements: m,
		Raw:          raw.Payload,
		QualityFlag:  models.QualityUnchecked,
		ReceivedAt:   raw.ReceivedAt,
	}
	o.Notes = sanitize(&o.Measurements)
	return o, nil
}
