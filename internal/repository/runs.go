package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr1hm/go-weather-ingest/internal/models"
)

func (s *SQLiteDB) CreateRun(ctx context.Context, adapters []string, startedAt time.Time) (int64, error) {
	if len(adapters) == 0 {
		return 0, fmt.Errorf("run needs at least one adapter")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_runs (adapter, started_at, status) VALUES (?, ?, 'running')`,
		strings.Join(adapters, ","), unix(startedAt))
	if err != nil {
		return 0, storageErr("create run", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("create run", err)
	}
	return id, nil
}

func (s *SQLiteDB) RecordUnit(ctx context.Context, u models.RunUnit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_units (run_id, adapter, location_id, status,
			records_fetched, records_inserted, records_updated, records_unchanged, records_failed, records_rejected,
			error_kind, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.RunID, u.Adapter, u.LocationID, string(u.Status),
		u.Fetched, u.Inserted, u.Updated, u.Unchanged, u.Failed, u.Rejected,
		nullString(u.ErrorKind), nullString(u.Error), unix(u.StartedAt), unix(u.FinishedAt))
	if err != nil {
		return storageErr("record unit", err)
	}
	return nil
}

// FinalizeRun writes the terminal state of a running run. It fails with
// ErrRunFinalized if the run was already finalized.
func (s *SQLiteDB) FinalizeRun(ctx context.Context, run *models.CollectionRun) error {
	if run.Status == models.RunRunning {
		return fmt.Errorf("run %d: cannot finalize with status running", run.ID)
	}
	if run.FinishedAt == nil {
		return fmt.Errorf("run %d: finished_at is required", run.ID)
	}
	summary, err := encodeJSON(run.Errors)
	if err != nil {
		return storageErr("finalize run", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_runs SET
			finished_at = ?, status = ?,
			records_fetched = ?, records_inserted = ?, records_updated = ?,
			records_unchanged = ?, records_failed = ?, records_rejected = ?,
			error_summary = ?
		WHERE id = ? AND finished_at IS NULL`,
		unix(*run.FinishedAt), string(run.Status),
		run.Fetched, run.Inserted, run.Updated, run.Unchanged, run.Failed, run.Rejected,
		summary, run.ID)
	if err != nil {
		return storageErr("finalize run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("finalize run", err)
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", run.ID, ErrRunFinalized)
	}
	return nil
}

const runSelect = `SELECT id, adapter, started_at, finished_at, status,
	records_fetched, records_inserted, records_updated, records_unchanged, records_failed, records_rejected,
	error_summary FROM collection_runs`

func scanRun(sc scanner) (models.CollectionRun, error) {
	var (
		r        models.CollectionRun
		adapters string
		started  int64
		finished sql.NullInt64
		status   string
		summary  sql.NullString
	)
	err := sc.Scan(&r.ID, &adapters, &started, &finished, &status,
		&r.Fetched, &r.Inserted, &r.Updated, &r.Unchanged, &r.Failed, &r.Rejected, &summary)
	if err != nil {
		return r, err
	}
	r.Adapters = strings.Split(adapters, ",")
	r.StartedAt = fromUnix(started)
	if finished.Valid {
		t := fromUnix(finished.Int64)
		r.FinishedAt = &t
	}
	r.Status = models.RunStatus(status)
	r.Errors = decodeStrings(summary)
	return r, nil
}

// GetRun returns the run with its units, or nil if it does not exist.
func (s *SQLiteDB) GetRun(ctx context.Context, id int64) (*models.CollectionRun, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get run", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, adapter, location_id, status,
			records_fetched, records_inserted, records_updated, records_unchanged, records_failed, records_rejected,
			error_kind, error_message, started_at, finished_at
		FROM run_units WHERE run_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, storageErr("get run units", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u                 models.RunUnit
			status            string
			kind, msg         sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&u.RunID, &u.Adapter, &u.LocationID, &status,
			&u.Fetched, &u.Inserted, &u.Updated, &u.Unchanged, &u.Failed, &u.Rejected,
			&kind, &msg, &started, &finished); err != nil {
			return nil, storageErr("scan run unit", err)
		}
		u.Status = models.UnitStatus(status)
		u.ErrorKind = kind.String
		u.Error = msg.String
		u.StartedAt = fromUnix(started)
		u.FinishedAt = fromUnix(finished)
		r.Units = append(r.Units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get run units", err)
	}
	return &r, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteDB) ListRuns(ctx context.Context, f RunFilter) ([]models.CollectionRun, error) {
	var (
		where []string
		args  []any
	)
	if f.Adapter != "" {
		where = append(where, "instr(',' || adapter || ',', ?) > 0")
		args = append(args, ","+f.Adapter+",")
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := runSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer rows.Close()

	var out []models.CollectionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, storageErr("scan run", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSuccess reports, per adapter/location pair, the latest unit that
// completed successfully.
func (s *SQLiteDB) LastSuccess(ctx context.Context) ([]models.LastSuccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT adapter, location_id, MAX(run_id), MAX(finished_at)
		FROM run_units
		WHERE status = 'success'
		GROUP BY adapter, location_id
		ORDER BY adapter, location_id`)
	if err != nil {
		return nil, storageErr("last success", err)
	}
	defer rows.Close()

	var out []models.LastSuccess
	for rows.Next() {
		var (
			ls       models.LastSuccess
			finished int64
		)
		if err := rows.Scan(&ls.Adapter, &ls.LocationID, &ls.RunID, &finished); err != nil {
			return nil, storageErr("scan last success", err)
		}
		ls.FinishedAt = fromUnix(finished)
		out = append(out, ls)
	}
	return out, rows.Err()
}

// ReapStaleRuns fails runs still marked running that started before the
// cutoff, e.g. left behind by a crashed process.
func (s *SQLiteDB) ReapStaleRuns(ctx context.Context, startedBefore, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_runs SET
			status = 'failed', finished_at = ?,
			error_summary = ?
		WHERE status = 'running' AND finished_at IS NULL AND started_at < ?`,
		unix(now), `["abandoned: run did not finish before the staleness threshold"]`, unix(startedBefore))
	if err != nil {
		return 0, storageErr("reap stale runs", err)
	}
	return res.RowsAffected()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
