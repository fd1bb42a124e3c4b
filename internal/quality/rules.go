package quality

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// Finding is one reason a rule considers an observation suspect.
type Finding struct {
	Rule   string
	Field  string
	Reason string
}

// Facts is what a rule may look at besides the observation itself.
type Facts struct {
	// Previous is the closest earlier stored sample from the same location
	// and source, if any.
	Previous *models.Observation
	// Superseded is set when the stored row was overwritten with different
	// content by the latest write.
	Superseded bool
}

type Rule interface {
	Name() string
	Check(o *models.Observation, facts Facts) []Finding
}

var fields = map[string]func(*models.Measurements) *float64{
	"temperature_c":      func(m *models.Measurements) *float64 { return m.TemperatureC },
	"humidity_pct":       func(m *models.Measurements) *float64 { return m.HumidityPct },
	"pressure_hpa":       func(m *models.Measurements) *float64 { return m.PressureHPa },
	"wind_speed_ms":      func(m *models.Measurements) *float64 { return m.WindSpeedMS },
	"wind_direction_deg": func(m *models.Measurements) *float64 { return m.WindDirectionDeg },
	"wind_gust_ms":       func(m *models.Measurements) *float64 { return m.WindGustMS },
	"precipitation_mm":   func(m *models.Measurements) *float64 { return m.PrecipitationMM },
	"cloud_cover_pct":    func(m *models.Measurements) *float64 { return m.CloudCoverPct },
	"visibility_m":       func(m *models.Measurements) *float64 { return m.VisibilityM },
}

// FieldNames lists the measurement fields rules can address.
func FieldNames() []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// RangeRule flags a field outside [Min, Max].
type RangeRule struct {
	Field    string
	Min, Max float64
}

func (r RangeRule) Name() string { return "range" }

func (r RangeRule) Check(o *models.Observation, _ Facts) []Finding {
	v := fields[r.Field](&o.Measurements)
	if v == nil || (*v >= r.Min && *v <= r.Max) {
		return nil
	}
	return []Finding{{
		Rule:   r.Name(),
		Field:  r.Field,
		Reason: fmt.Sprintf("%s %v outside [%v, %v]", r.Field, *v, r.Min, r.Max),
	}}
}

// DeltaRule flags a change larger than MaxChange between samples no more
// than Within apart.
type DeltaRule struct {
	Field     string
	MaxChange float64
	Within    time.Duration
}

func (r DeltaRule) Name() string { return "delta" }

func (r DeltaRule) Check(o *models.Observation, facts Facts) []Finding {
	prev := facts.Previous
	if prev == nil {
		return nil
	}
	elapsed := o.ObservedAt.Sub(prev.ObservedAt)
	if elapsed <= 0 || elapsed > r.Within {
		return nil
	}
	get := fields[r.Field]
	cur, old := get(&o.Measurements), get(&prev.Measurements)
	if cur == nil || old == nil {
		return nil
	}
	if change := math.Abs(*cur - *old); change > r.MaxChange {
		return []Finding{{
			Rule:   r.Name(),
			Field:  r.Field,
			Reason: fmt.Sprintf("%s changed by %.1f in %s", r.Field, change, elapsed),
		}}
	}
	return nil
}

// ConflictRule flags observations whose stored values were overwritten with
// different content.
type ConflictRule struct{}

func (ConflictRule) Name() string { return "conflict" }

func (r ConflictRule) Check(_ *models.Observation, facts Facts) []Finding {
	if !facts.Superseded {
		return nil
	}
	return []Finding{{Rule: r.Name(), Reason: "conflicting payload for the same key was overwritten"}}
}

type Bounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type DeltaLimit struct {
	Field     string        `yaml:"field" validate:"required"`
	MaxChange float64       `yaml:"max_change" validate:"gt=0"`
	Within    time.Duration `yaml:"within" validate:"gt=0"`
}

// Config is the data-driven form of the rule set.
type Config struct {
	Ranges map[string]Bounds `yaml:"ranges"`
	Deltas []DeltaLimit      `yaml:"deltas"`
}

func DefaultConfig() Config {
	return Config{
		Ranges: map[string]Bounds{
			"temperature_c":      {Min: -40, Max: 45},
			"humidity_pct":       {Min: 0, Max: 100},
			"pressure_hpa":       {Min: 870, Max: 1085},
			"wind_speed_ms":      {Min: 0, Max: 75},
			"wind_direction_deg": {Min: 0, Max: 360},
			"wind_gust_ms":       {Min: 0, Max: 100},
			"precipitation_mm":   {Min: 0, Max: 300},
			"cloud_cover_pct":    {Min: 0, Max: 100},
			"visibility_m":       {Min: 0, Max: 100000},
		},
		Deltas: []DeltaLimit{
			{Field: "temperature_c", MaxChange: 15, Within: time.Hour},
			{Field: "pressure_hpa", MaxChange: 10, Within: time.Hour},
		},
	}
}

// Rules builds the rule set. Unknown field names are an error.
func (c Config) Rules() ([]Rule, error) {
	var rules []Rule
	for _, name := range FieldNames() {
		b, ok := c.Ranges[name]
		if !ok {
			continue
		}
		if b.Min > b.Max {
			return nil, fmt.Errorf("range for %s: min %v > max %v", name, b.Min, b.Max)
		}
		rules = append(rules, RangeRule{Field: name, Min: b.Min, Max: b.Max})
	}
	for name := range c.Ranges {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("range rule: unknown field %q", name)
		}
	}
	for _, d := range c.Deltas {
		if _, ok := fields[d.Field]; !ok {
			return nil, fmt.Errorf("delta rule: unknown field %q", d.Field)
		}
		rules = append(rules, DeltaRule{Field: d.Field, MaxChange: d.MaxChange, Within: d.Within})
	}
	return append(rules, ConflictRule{}), nil
}
