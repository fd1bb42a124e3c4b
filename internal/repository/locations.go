package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

// upsertLocation inserts a location or refreshes its metadata. Coordinates
// and type are fixed at creation.
func upsertLocation(ctx context.Context, ex execer, l *models.Location, now int64) error {
	if err := l.Validate(); err != nil {
		return err
	}
	meta, err := encodeJSON(l.Metadata)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO locations (id, name, latitude, longitude, elevation_m, location_type, source, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			metadata = COALESCE(excluded.metadata, locations.metadata),
			updated_at = excluded.updated_at`,
		l.ID, l.Name, l.Latitude, l.Longitude, nullFloat(l.ElevationM), string(l.Type), l.Source, meta, now, now)
	return err
}

func (s *SQLiteDB) UpsertLocation(ctx context.Context, l models.Location) error {
	if err := upsertLocation(ctx, s.db, &l, unix(s.clock.Now())); err != nil {
		return storageErr("upsert location", err)
	}
	return nil
}

const locationSelect = `SELECT id, name, latitude, longitude, elevation_m, location_type, source, metadata FROM locations`

func scanLocation(sc scanner) (models.Location, error) {
	var (
		l    models.Location
		elev sql.NullFloat64
		typ  string
		meta sql.NullString
	)
	if err := sc.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude, &elev, &typ, &l.Source, &meta); err != nil {
		return l, err
	}
	l.Type = models.LocationType(typ)
	if elev.Valid {
		v := elev.Float64
		l.ElevationM = &v
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &l.Metadata); err != nil {
			return l, err
		}
	}
	return l, nil
}

// GetLocation returns nil when the location does not exist.
func (s *SQLiteDB) GetLocation(ctx context.Context, id string) (*models.Location, error) {
	l, err := scanLocation(s.db.QueryRowContext(ctx, locationSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get location", err)
	}
	return &l, nil
}

func (s *SQLiteDB) ListLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.db.QueryContext(ctx, locationSelect+` ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("list locations", err)
	}
	defer rows.Close()

	var out []models.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, storageErr("scan location", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
