package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stickyrelay/wa-scheduler/store"
)

const jobCols = `id, kind, payload, run_at, state, attempt, last_error, schedule_id, created_at, updated_at`

func scanJob(row pgx.Row) (*store.Job, error) {
	var j store.Job
	var lastError *string
	err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.RunAt, &j.State, &j.Attempt, &lastError,
		&j.ScheduleID, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}

func (d *DB) EnqueueJob(ctx context.Context, j *store.Job) (*store.Job, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, kind, payload, run_at, state, attempt, schedule_id)
		VALUES ($1,$2,$3,$4,'pending',0,$5)
		ON CONFLICT (id) DO UPDATE SET
			payload = $3, run_at = $4, state = 'pending', attempt = 0, updated_at = now()
		RETURNING `+jobCols,
		j.ID, j.Kind, j.Payload, j.RunAt, j.ScheduleID,
	)
	return scanJob(row)
}

func (d *DB) FindJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (d *DB) ListByState(ctx context.Context, state store.JobState) ([]*store.Job, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+jobCols+` FROM jobs WHERE state = $1 ORDER BY run_at`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ClaimRunnable selects up to limit pending jobs due to run, in run_at
// order, and marks them running in the same statement via FOR UPDATE
// SKIP LOCKED so a single logical consumer never double-claims a row
// even if more than one process happens to run concurrently.
func (d *DB) ClaimRunnable(ctx context.Context, now time.Time, limit int) ([]*store.Job, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobCols+` FROM jobs
		WHERE state = 'pending' AND run_at <= $1
		ORDER BY run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	var claimed []*store.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range claimed {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET state = 'running', updated_at = now() WHERE id = $1`, j.ID); err != nil {
			return nil, err
		}
		j.State = store.JobRunning
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (d *DB) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `UPDATE jobs SET state = 'done', updated_at = now() WHERE id = $1`, id)
	return err
}

func (d *DB) FailJob(ctx context.Context, id uuid.UUID, errMsg string, nextRunAt *time.Time) error {
	if nextRunAt != nil {
		_, err := d.pool.Exec(ctx, `
			UPDATE jobs SET state = 'pending', attempt = attempt + 1, last_error = $2,
				run_at = $3, updated_at = now()
			WHERE id = $1
		`, id, errMsg, *nextRunAt)
		return err
	}
	_, err := d.pool.Exec(ctx, `
		UPDATE jobs SET state = 'failed', attempt = attempt + 1, last_error = $2, updated_at = now()
		WHERE id = $1
	`, id, errMsg)
	return err
}

func (d *DB) CancelJob(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', updated_at = now()
		WHERE id = $1 AND state = 'pending'
	`, id)
	return err
}

func (d *DB) CancelJobsByPayloadRef(ctx context.Context, kind store.JobKind, ref string) (int, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE jobs SET state = 'cancelled', updated_at = now()
		WHERE kind = $1 AND state = 'pending' AND payload LIKE '%' || $2 || '%'
	`, kind, ref)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (d *DB) RescheduleJob(ctx context.Context, id uuid.UUID, runAt time.Time) (*store.Job, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE jobs SET run_at = $2, state = 'pending', updated_at = now()
		WHERE id = $1
		RETURNING `+jobCols,
		id, runAt,
	)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (d *DB) DeleteDoneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM jobs WHERE state = 'done' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (d *DB) DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `DELETE FROM jobs WHERE state = 'failed' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ---- schedules ----

const scheduleCols = `id, kind, schedule_kind, cron_expr, every_n_days, ref_id, enabled, created_at, updated_at`

func scanSchedule(row pgx.Row) (*store.Schedule, error) {
	var s store.Schedule
	var cronExpr *string
	err := row.Scan(&s.ID, &s.Kind, &s.ScheduleKind, &cronExpr, &s.EveryNDays, &s.RefID,
		&s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if cronExpr != nil {
		s.CronExpr = *cronExpr
	}
	return &s, nil
}

func (d *DB) UpsertSchedule(ctx context.Context, s *store.Schedule) (*store.Schedule, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO job_schedules (id, kind, schedule_kind, cron_expr, every_n_days, ref_id, enabled)
		VALUES ($1,$2,$3,nullif($4,''),$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			kind = $2, schedule_kind = $3, cron_expr = nullif($4,''), every_n_days = $5,
			ref_id = $6, enabled = $7, updated_at = now()
		RETURNING `+scheduleCols,
		s.ID, s.Kind, s.ScheduleKind, s.CronExpr, s.EveryNDays, s.RefID, s.Enabled,
	)
	return scanSchedule(row)
}

func (d *DB) RemoveSchedule(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM job_schedules WHERE id = $1`, id)
	return err
}

func (d *DB) ListSchedules(ctx context.Context, enabledOnly bool) ([]*store.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM job_schedules`
	if enabledOnly {
		q += ` WHERE enabled = true`
	}
	q += ` ORDER BY created_at`
	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
