package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

type writeOutcome int

const (
	outcomeInserted writeOutcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// WriteBatch applies one batch in a single transaction. Observations are
// inserted when new and overwritten only when the incoming copy was received
// later and its content differs; otherwise they count as unchanged. Equal
// received times fall back to the larger content hash so the stored row never
// depends on arrival order.
// Forecasts are insert-only. A storage failure rolls back the whole batch and
// reports every record as failed.
func (s *SQLiteDB) WriteBatch(ctx context.Context, b Batch) (UpsertResult, error) {
	var res UpsertResult
	if b.Len() == 0 && len(b.Locations) == 0 {
		return res, nil
	}
	failAll := UpsertResult{Failed: b.Len()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failAll, storageErr("begin", err)
	}
	defer tx.Rollback()

	now := unix(s.clock.Now())

	for i := range b.Locations {
		if err := upsertLocation(ctx, tx, &b.Locations[i], now); err != nil {
			return failAll, storageErr("upsert location", err)
		}
	}

	for _, o := range b.Observations {
		if err := validateObservation(o); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		outcome, err := upsertObservation(ctx, tx, o, now)
		if err != nil {
			return failAll, storageErr("upsert observation", err)
		}
		switch outcome {
		case outcomeInserted:
			res.Inserted++
			res.Written = append(res.Written, o.Key())
		case outcomeUpdated:
			res.Updated++
			res.Written = append(res.Written, o.Key())
			res.Superseded = append(res.Superseded, o.Key())
		default:
			res.Unchanged++
		}
	}

	for _, f := range b.Forecasts {
		if err := validateForecast(f); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		inserted, err := insertForecast(ctx, tx, f, now)
		if err != nil {
			return failAll, storageErr("insert forecast", err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Unchanged++
		}
	}

	if err := tx.Commit(); err != nil {
		return failAll, storageErr("commit", err)
	}
	return res, nil
}

func validateObservation(o *models.Observation) error {
	if o.LocationID == "" || o.Source == "" || o.ObservedAt.IsZero() {
		return fmt.Errorf("observation %s/%s at %s: incomplete identity", o.LocationID, o.Source, o.ObservedAt)
	}
	if o.ReceivedAt.IsZero() {
		return fmt.Errorf("observation %s/%s at %s: missing received_at", o.LocationID, o.Source, o.ObservedAt)
	}
	return nil
}

func validateForecast(f *models.Forecast) error {
	if f.LocationID == "" || f.Source == "" || f.IssuedAt.IsZero() || f.ValidAt.IsZero() {
		return fmt.Errorf("forecast %s/%s: incomplete identity", f.LocationID, f.Source)
	}
	if f.ReceivedAt.IsZero() {
		return fmt.Errorf("forecast %s/%s: missing received_at", f.LocationID, f.Source)
	}
	return f.CheckLeadTime()
}

func upsertObservation(ctx context.Context, tx *sql.Tx, o *models.Observation, now int64) (writeOutcome, error) {
	key := o.Key()
	hash := o.ContentHash()

	var (
		id           int64
		storedHash   string
		storedRecv   int64
		storedRaw    []byte
		stored       nullMeasurements
		storedValues models.Measurements
	)
	dest := append([]any{&id, &storedHash, &storedRecv, &storedRaw}, stored.dests()...)
	err := tx.QueryRowContext(ctx, `
		SELECT id, content_hash, received_at, raw_data, `+measurementColumns+`
		FROM observations
		WHERE location_id = ? AND observed_at = ? AND source = ?`,
		key.LocationID, unix(key.ObservedAt), key.Source,
	).Scan(dest...)

	if errors.Is(err, sql.ErrNoRows) {
		notes, err := encodeJSON(o.Notes)
		if err != nil {
			return 0, err
		}
		args := []any{key.LocationID, unix(key.ObservedAt), key.Source}
		args = append(args, measurementArgs(&o.Measurements)...)
		args = append(args, []byte(o.Raw), notes, hash, unixNano(o.ReceivedAt), now, now)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO observations (location_id, observed_at, source, `+measurementColumns+`,
				raw_data, notes, content_hash, received_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			return 0, err
		}
		return outcomeInserted, nil
	}
	if err != nil {
		return 0, err
	}

	recv := unixNano(o.ReceivedAt)
	newer := recv > storedRecv || (recv == storedRecv && hash > storedHash)
	if storedHash == hash || !newer {
		return outcomeUnchanged, nil
	}

	stored.into(&storedValues)
	archived, err := json.Marshal(storedValues)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO observation_revisions (location_id, observed_at, source, measurements, raw_data,
			content_hash, received_at, superseded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.LocationID, unix(key.ObservedAt), key.Source, string(archived), storedRaw,
		storedHash, storedRecv, now)
	if err != nil {
		return 0, err
	}

	notes, err := encodeJSON(o.Notes)
	if err != nil {
		return 0, err
	}
	args := measurementArgs(&o.Measurements)
	args = append(args, []byte(o.Raw), notes, hash, recv, now, id)
	_, err = tx.ExecContext(ctx, `
		UPDATE observations SET
			temperature_c = ?, humidity_pct = ?, pressure_hpa = ?, wind_speed_ms = ?, wind_direction_deg = ?,
			wind_gust_ms = ?, precipitation_mm = ?, cloud_cover_pct = ?, visibility_m = ?, weather_code = ?,
			raw_data = ?, notes = ?, content_hash = ?, received_at = ?,
			quality_flag = 'unchecked', updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return 0, err
	}
	return outcomeUpdated, nil
}

func insertForecast(ctx context.Context, tx *sql.Tx, f *models.Forecast, now int64) (bool, error) {
	key := f.Key()
	notes, err := encodeJSON(f.Notes)
	if err != nil {
		return false, err
	}
	args := []any{key.LocationID, key.Source, unix(key.IssuedAt), unix(key.ValidAt), int64(f.LeadTime.Seconds())}
	args = append(args, measurementArgs(&f.Measurements)...)
	args = append(args, nullFloat(f.PrecipitationProbabilityPct), []byte(f.Raw), notes, unixNano(f.ReceivedAt), now)

	result, err := tx.ExecContext(ctx, `
		INSERT INTO forecasts (location_id, source, issued_at, valid_at, lead_time_s, `+measurementColumns+`,
			precipitation_probability_pct, raw_data, notes, received_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (location_id, source, issued_at, valid_at) DO NOTHING`, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const observationSelect = `SELECT location_id, observed_at, source, ` + measurementColumns + `,
	raw_data, notes, quality_flag, received_at,
	EXISTS (SELECT 1 FROM observation_revisions r
		WHERE r.location_id = observations.location_id
			AND r.observed_at = observations.observed_at
			AND r.source = observations.source)
	FROM observations`

func scanObservation(sc scanner) (models.Observation, error) {
	var (
		o                      models.Observation
		observedAt, receivedAt int64
		m                      nullMeasurements
		raw                    []byte
		notes                  sql.NullString
		flag                   string
	)
	dest := append([]any{&o.LocationID, &observedAt, &o.Source}, m.dests()...)
	dest = append(dest, &raw, &notes, &flag, &receivedAt, &o.Revised)
	if err := sc.Scan(dest...); err != nil {
		return o, err
	}
	m.into(&o.Measurements)
	o.ObservedAt = fromUnix(observedAt)
	o.ReceivedAt = fromUnixNano(receivedAt)
	o.QualityFlag = models.QualityFlag(flag)
	o.Notes = decodeStrings(notes)
	if len(raw) > 0 {
		o.Raw = raw
	}
	return o, nil
}

func rangeClause(column string, q Query) (string, []any) {
	where := []string{"location_id = ?"}
	args := []any{q.LocationID}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}
	if !q.From.IsZero() {
		where = append(where, column+" >= ?")
		args = append(args, unix(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, column+" < ?")
		args = append(args, unix(q.To))
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// Observations returns stored observations for a location ordered by
// observed_at, then source, ascending.
func (s *SQLiteDB) Observations(ctx context.Context, q Query) ([]models.Observation, error) {
	where, args := rangeClause("observed_at", q)
	query := observationSelect + where + " ORDER BY observed_at ASC, source ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query observations", err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, storageErr("scan observation", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query observations", err)
	}
	return out, nil
}

// GetObservation returns nil when no row exists for key.
func (s *SQLiteDB) GetObservation(ctx context.Context, key models.ObservationKey) (*models.Observation, error) {
	row := s.db.QueryRowContext(ctx, observationSelect+` WHERE location_id = ? AND observed_at = ? AND source = ?`,
		key.LocationID, unix(key.ObservedAt), key.Source)
	o, err := scanObservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get observation", err)
	}
	return &o, nil
}

// Forecasts returns stored forecasts ordered by valid_at, then issued_at and
// source, ascending.
func (s *SQLiteDB) Forecasts(ctx context.Context, q Query) ([]models.Forecast, error) {
	where, args := rangeClause("valid_at", q)
	query := `SELECT location_id, source, issued_at, valid_at, lead_time_s, ` + measurementColumns + `,
		precipitation_probability_pct, raw_data, notes, quality_flag, received_at
		FROM forecasts` + where + " ORDER BY valid_at ASC, issued_at ASC, source ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query forecasts", err)
	}
	defer rows.Close()

	var out []models.Forecast
	for rows.Next() {
		var (
			f                                   models.Forecast
			issuedAt, validAt, lead, receivedAt int64
			m                                   nullMeasurements
			prob                                sql.NullFloat64
			raw                                 []byte
			notes                               sql.NullString
			flag                                string
		)
		dest := append([]any{&f.LocationID, &f.Source, &issuedAt, &validAt, &lead}, m.dests()...)
		dest = append(dest, &prob, &raw, &notes, &flag, &receivedAt)
		if err := rows.Scan(dest...); err != nil {
			return nil, storageErr("scan forecast", err)
		}
		m.into(&f.Measurements)
		f.IssuedAt = fromUnix(issuedAt)
		f.ValidAt = fromUnix(validAt)
		f.LeadTime = f.ValidAt.Sub(f.IssuedAt)
		f.ReceivedAt = fromUnixNano(receivedAt)
		f.QualityFlag = models.QualityFlag(flag)
		f.Notes = decodeStrings(notes)
		if prob.Valid {
			v := prob.Float64
			f.PrecipitationProbabilityPct = &v
		}
		if len(raw) > 0 {
			f.Raw = raw
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query forecasts", err)
	}
	return out, nil
}

// SetQualityFlags updates only the quality_flag column of the given rows.
func (s *SQLiteDB) SetQualityFlags(ctx context.Context, updates []FlagUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE observations SET quality_flag = ?
		WHERE location_id = ? AND observed_at = ? AND source = ?`)
	if err != nil {
		return storageErr("prepare flag update", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, string(u.Flag), u.Key.LocationID, unix(u.Key.ObservedAt), u.Key.Source); err != nil {
			return storageErr("set quality flag", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// FlagRevisions sets the flag on every archived revision of the given keys.
func (s *SQLiteDB) FlagRevisions(ctx context.Context, keys []models.ObservationKey, flag models.QualityFlag) (int64, error) {
	var total int64
	for _, k := range keys {
		res, err := s.db.ExecContext(ctx, `
			UPDATE observation_revisions SET quality_flag = ?
			WHERE location_id = ? AND observed_at = ? AND source = ?`,
			string(flag), k.LocationID, unix(k.ObservedAt), k.Source)
		if err != nil {
			return total, storageErr("flag revisions", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Revisions lists the archived payloads of an observation, oldest first.
func (s *SQLiteDB) Revisions(ctx context.Context, key models.ObservationKey) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, measurements, raw_data, received_at, superseded_at, quality_flag
		FROM observation_revisions
		WHERE location_id = ? AND observed_at = ? AND source = ?
		ORDER BY id ASC`, key.LocationID, unix(key.ObservedAt), key.Source)
	if err != nil {
		return nil, storageErr("query revisions", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			r                    Revision
			measurements         string
			raw                  []byte
			received, superseded int64
			flag                 string
		)
		if err := rows.Scan(&r.ID, &measurements, &raw, &received, &superseded, &flag); err != nil {
			return nil, storageErr("scan revision", err)
		}
		if err := json.Unmarshal([]byte(measurements), &r.Measurements); err != nil {
			return nil, storageErr("decode revision", err)
		}
		r.Key = key
		r.ReceivedAt = fromUnixNano(received)
		r.SupersededAt = fromUnix(superseded)
		r.QualityFlag = models.QualityFlag(flag)
		if len(raw) > 0 {
			r.Raw = raw
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
