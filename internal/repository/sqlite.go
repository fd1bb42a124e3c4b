package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/mr1hm/go-weather-ingest/internal/apperrors"
	"github.com/mr1hm/go-weather-ingest/internal/models"
)

type SQLiteDB struct {
	db    *sql.DB
	clock clockwork.Clock
}

type Option func(*SQLiteDB)

func WithClock(c clockwork.Clock) Option { return func(s *SQLiteDB) { s.clock = c } }

// NewSQLiteDB opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database held on a single connection.
func NewSQLiteDB(path string, opts ...Option) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("error creating database dir: %w", err)
			}
		}
		// Writers take the lock at BEGIN so read-then-write upserts never
		// interleave; readers keep going under WAL.
		dsn = "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteDB{
		db:    db,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}

	return s, nil
}

func (s *SQLiteDB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS locations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			latitude REAL NOT NULL CHECK (latitude BETWEEN -90 AND 90),
			longitude REAL NOT NULL CHECK (longitude BETWEEN -180 AND 180),
			elevation_m REAL,
			location_type TEXT NOT NULL
				CHECK (location_type IN ('target', 'personal_station', 'official_station', 'grid_point')),
			source TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location_id TEXT NOT NULL,
			observed_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			temperature_c REAL,
			humidity_pct REAL,
			pressure_hpa REAL,
			wind_speed_ms REAL,
			wind_direction_deg REAL,
			wind_gust_ms REAL,
			precipitation_mm REAL,
			cloud_cover_pct REAL,
			visibility_m REAL,
			weather_code INTEGER,
			raw_data BLOB,
			notes TEXT,
			content_hash TEXT NOT NULL,
			quality_flag TEXT NOT NULL DEFAULT 'unchecked'
				CHECK (quality_flag IN ('unchecked', 'ok', 'suspect', 'rejected')),
			received_at INTEGER NOT NULL, -- unix nanoseconds
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (location_id, observed_at, source)
		);

		CREATE TABLE IF NOT EXISTS observation_revisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location_id TEXT NOT NULL,
			observed_at INTEGER NOT NULL,
			source TEXT NOT NULL,
			measurements TEXT NOT NULL,
			raw_data BLOB,
			content_hash TEXT NOT NULL,
			received_at INTEGER NOT NULL, -- unix nanoseconds
			superseded_at INTEGER NOT NULL,
			quality_flag TEXT NOT NULL DEFAULT 'unchecked'
				CHECK (quality_flag IN ('unchecked', 'ok', 'suspect', 'rejected'))
		);

		CREATE TABLE IF NOT EXISTS forecasts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			location_id TEXT NOT NULL,
			source TEXT NOT NULL,
			issued_at INTEGER NOT NULL,
			valid_at INTEGER NOT NULL,
			lead_time_s INTEGER NOT NULL CHECK (lead_time_s = valid_at - issued_at),
			temperature_c REAL,
			humidity_pct REAL,
			pressure_hpa REAL,
			wind_speed_ms REAL,
			wind_direction_deg REAL,
			wind_gust_ms REAL,
			precipitation_mm REAL,
			cloud_cover_pct REAL,
			visibility_m REAL,
			weather_code INTEGER,
			precipitation_probability_pct REAL,
			raw_data BLOB,
			notes TEXT,
			quality_flag TEXT NOT NULL DEFAULT 'unchecked'
				CHECK (quality_flag IN ('unchecked', 'ok', 'suspect', 'rejected')),
			received_at INTEGER NOT NULL, -- unix nanoseconds
			created_at INTEGER NOT NULL,
			UNIQUE (location_id, source, issued_at, valid_at)
		);

		CREATE TABLE IF NOT EXISTS collection_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			adapter TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			status TEXT NOT NULL CHECK (status IN ('running', 'success', 'partial', 'failed')),
			records_fetched INTEGER NOT NULL DEFAULT 0,
			records_inserted INTEGER NOT NULL DEFAULT 0,
			records_updated INTEGER NOT NULL DEFAULT 0,
			records_unchanged INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			records_rejected INTEGER NOT NULL DEFAULT 0,
			error_summary TEXT
		);

		CREATE TABLE IF NOT EXISTS run_units (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			adapter TEXT NOT NULL,
			location_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('success', 'failed', 'cancelled')),
			records_fetched INTEGER NOT NULL DEFAULT 0,
			records_inserted INTEGER NOT NULL DEFAULT 0,
			records_updated INTEGER NOT NULL DEFAULT 0,
			records_unchanged INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			records_rejected INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			error_message TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			FOREIGN KEY (run_id) REFERENCES collection_runs(id)
		);

		CREATE INDEX IF NOT EXISTS idx_observations_location_time ON observations(location_id, observed_at);
		CREATE INDEX IF NOT EXISTS idx_revisions_key ON observation_revisions(location_id, observed_at, source);
		CREATE INDEX IF NOT EXISTS idx_forecasts_location_valid ON forecasts(location_id, valid_at);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON collection_runs(status);
		CREATE INDEX IF NOT EXISTS idx_units_run ON run_units(run_id);
		CREATE INDEX IF NOT EXISTS idx_units_adapter_location ON run_units(adapter, location_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func storageErr(op string, err error) error {
	return apperrors.Wrap(err, apperrors.Storage, "repository."+op, "database operation failed")
}

type scanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func unix(t time.Time) int64 { return t.UTC().Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

// received_at keeps full precision: newer-wins compares it.
func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(v int64) time.Time { return time.Unix(0, v).UTC() }

func floatFields(m *models.Measurements) []**float64 {
	return []**float64{
		&m.TemperatureC, &m.HumidityPct, &m.PressureHPa, &m.WindSpeedMS, &m.WindDirectionDeg,
		&m.WindGustMS, &m.PrecipitationMM, &m.CloudCoverPct, &m.VisibilityM,
	}
}

const measurementColumns = `temperature_c, humidity_pct, pressure_hpa, wind_speed_ms, wind_direction_deg,
	wind_gust_ms, precipitation_mm, cloud_cover_pct, visibility_m, weather_code`

// measurementArgs returns the ten measurement column values in
// measurementColumns order.
func measurementArgs(m *models.Measurements) []any {
	args := make([]any, 0, 10)
	for _, f := range floatFields(m) {
		if *f == nil {
			args = append(args, nil)
		} else {
			args = append(args, **f)
		}
	}
	if m.WeatherCode == nil {
		args = append(args, nil)
	} else {
		args = append(args, *m.WeatherCode)
	}
	return args
}

type nullMeasurements struct {
	floats [9]sql.NullFloat64
	code   sql.NullInt64
}

func (n *nullMeasurements) dests() []any {
	d := make([]any, 0, 10)
	for i := range n.floats {
		d = append(d, &n.floats[i])
	}
	return append(d, &n.code)
}

func (n *nullMeasurements) into(m *models.Measurements) {
	for i, f := range floatFields(m) {
		if n.floats[i].Valid {
			v := n.floats[i].Float64
			*f = &v
		}
	}
	if n.code.Valid {
		v := int(n.code.Int64)
		m.WeatherCode = &v
	}
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func encodeJSON(v any) (any, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return []string{ns.String}
	}
	return out
}
