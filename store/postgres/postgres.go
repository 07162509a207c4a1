// Package postgres provides the PostgreSQL-backed store.Store
// implementation. It uses pgx/v5 (pure Go, no CGO) and runs embedded
// migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stickyrelay/wa-scheduler/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// ---- intents ----

const intentCols = `id, recipient_kind, contact_ref, group_ref, content, media_url, media_kind,
	scheduled_at, status, provider_message_id, sent_at, delivered_at, failed_at,
	failure_reason, attempts, recurrence_rule_id, created_at, updated_at`

func scanIntent(row pgx.Row) (*store.Intent, error) {
	var i store.Intent
	var contactRef, groupRef, mediaURL, mediaKind, providerMessageID, failureReason *string
	var recurrenceRuleID *uuid.UUID
	err := row.Scan(
		&i.ID, &i.RecipientKind, &contactRef, &groupRef, &i.Content, &mediaURL, &mediaKind,
		&i.ScheduledAt, &i.Status, &providerMessageID, &i.SentAt, &i.DeliveredAt, &i.FailedAt,
		&failureReason, &i.Attempts, &recurrenceRuleID, &i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if contactRef != nil {
		i.ContactRef = *contactRef
	}
	if groupRef != nil {
		i.GroupRef = *groupRef
	}
	if mediaURL != nil {
		i.MediaURL = *mediaURL
	}
	if mediaKind != nil {
		i.MediaKind = store.MediaKind(*mediaKind)
	}
	if providerMessageID != nil {
		i.ProviderMessageID = *providerMessageID
	}
	if failureReason != nil {
		i.FailureReason = *failureReason
	}
	i.RecurrenceRuleID = recurrenceRuleID
	return &i, nil
}

func (d *DB) CreateIntent(ctx context.Context, in *store.Intent) (*store.Intent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO intents (id, recipient_kind, contact_ref, group_ref, content, media_url,
			media_kind, scheduled_at, status, recurrence_rule_id, attempts)
		VALUES ($1,$2,nullif($3,''),nullif($4,''),$5,nullif($6,''),nullif($7,''),$8,$9,$10,$11)
		RETURNING `+intentCols,
		in.ID, in.RecipientKind, in.ContactRef, in.GroupRef, in.Content, in.MediaURL,
		in.MediaKind, in.ScheduledAt, in.Status, in.RecurrenceRuleID, in.Attempts,
	)
	return scanIntent(row)
}

func (d *DB) FindIntent(ctx context.Context, id uuid.UUID) (*store.Intent, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+intentCols+` FROM intents WHERE id = $1`, id)
	i, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return i, err
}

func (d *DB) EditIntent(ctx context.Context, id uuid.UUID, patch store.IntentPatch) (*store.Intent, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE intents SET
			content      = COALESCE($2, content),
			scheduled_at = COALESCE($3, scheduled_at),
			media_url    = COALESCE($4, media_url),
			media_kind   = COALESCE($5, media_kind),
			updated_at   = now()
		WHERE id = $1
		RETURNING `+intentCols,
		id, patch.Content, patch.ScheduledAt, patch.MediaURL, patch.MediaKind,
	)
	i, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return i, err
}

func (d *DB) UpdateIntentStatus(ctx context.Context, id uuid.UUID, newStatus store.Status, fields store.IntentStatusFields, fromAny bool) (*store.Intent, error) {
	var row pgx.Row
	if fromAny {
		row = d.pool.QueryRow(ctx, `
			UPDATE intents SET
				status              = $2,
				provider_message_id = COALESCE($3, provider_message_id),
				sent_at             = COALESCE($4, sent_at),
				delivered_at        = COALESCE($5, delivered_at),
				failed_at           = COALESCE($6, failed_at),
				failure_reason      = COALESCE($7, failure_reason),
				attempts            = attempts + $8,
				scheduled_at        = COALESCE($9, scheduled_at),
				updated_at          = now()
			WHERE id = $1
			RETURNING `+intentCols,
			id, newStatus, fields.ProviderMessageID, fields.SentAt, fields.DeliveredAt,
			fields.FailedAt, fields.FailureReason, fields.AttemptsDelta, fields.ScheduledAt,
		)
	} else {
		row = d.pool.QueryRow(ctx, `
			UPDATE intents SET
				status              = $2,
				provider_message_id = COALESCE($3, provider_message_id),
				sent_at             = COALESCE($4, sent_at),
				delivered_at        = COALESCE($5, delivered_at),
				failed_at           = COALESCE($6, failed_at),
				failure_reason      = COALESCE($7, failure_reason),
				attempts            = attempts + $8,
				scheduled_at        = COALESCE($9, scheduled_at),
				updated_at          = now()
			WHERE id = $1 AND status NOT IN ('sent','delivered','failed','cancelled')
			RETURNING `+intentCols,
			id, newStatus, fields.ProviderMessageID, fields.SentAt, fields.DeliveredAt,
			fields.FailedAt, fields.FailureReason, fields.AttemptsDelta, fields.ScheduledAt,
		)
	}
	i, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return i, err
}

func (d *DB) RetryIntent(ctx context.Context, id uuid.UUID, scheduledAt time.Time) (*store.Intent, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE intents SET
			status         = 'pending',
			attempts       = 0,
			failed_at      = NULL,
			failure_reason = NULL,
			scheduled_at   = $2,
			updated_at     = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+intentCols,
		id, scheduledAt,
	)
	i, err := scanIntent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return i, err
}

func (d *DB) ListIntents(ctx context.Context, filter store.IntentFilter) ([]*store.Intent, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + intentCols + ` FROM intents WHERE 1=1`)
	args := []any{}
	argN := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != nil {
		q.WriteString(` AND status = ` + argN(*filter.Status))
	}
	if filter.ContactRef != nil {
		q.WriteString(` AND contact_ref = ` + argN(*filter.ContactRef))
	}
	if filter.Phone != nil {
		if filter.PhoneMode == store.PhoneModeExclude {
			q.WriteString(` AND contact_ref <> ` + argN(*filter.Phone))
		} else {
			q.WriteString(` AND contact_ref = ` + argN(*filter.Phone))
		}
	}
	q.WriteString(` ORDER BY scheduled_at DESC`)
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	q.WriteString(` LIMIT ` + argN(limit))
	q.WriteString(` OFFSET ` + argN(filter.Offset))

	rows, err := d.pool.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (d *DB) ListByProviderMessageID(ctx context.Context, providerMessageID string) ([]*store.Intent, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+intentCols+` FROM intents WHERE provider_message_id = $1`, providerMessageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (d *DB) CountTerminalSuccessIn(ctx context.Context, windowStart, windowEnd time.Time) (int, error) {
	var n int
	err := d.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM intents
		WHERE status IN ('sent','delivered') AND sent_at >= $1 AND sent_at < $2
	`, windowStart, windowEnd).Scan(&n)
	return n, err
}

func (d *DB) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, statuses []store.Status) (int, error) {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM intents WHERE status = ANY($1) AND sent_at IS NOT NULL AND sent_at < $2
	`, statuses, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (d *DB) RecordIntentEvent(ctx context.Context, intentID uuid.UUID, kind store.IntentEventKind, reason string, at time.Time) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO intent_events (intent_id, kind, reason, at) VALUES ($1,$2,nullif($3,''),$4)
	`, intentID, kind, reason, at)
	return err
}

// ---- recurrence rules ----

const ruleCols = `id, contact_ref, kind, content, media_url, media_kind, cron_expression,
	every_n_days, day_of_month, end_date, max_occurrences, occurrence_count, enabled, last_fired_at,
	created_at, updated_at`

func scanRule(row pgx.Row) (*store.RecurrenceRule, error) {
	var r store.RecurrenceRule
	var mediaURL, mediaKind, cronExpr *string
	err := row.Scan(
		&r.ID, &r.ContactRef, &r.Kind, &r.Content, &mediaURL, &mediaKind, &cronExpr,
		&r.EveryNDays, &r.DayOfMonth, &r.EndDate, &r.MaxOccurrences, &r.OccurrenceCount, &r.Enabled,
		&r.LastFiredAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if mediaURL != nil {
		r.MediaURL = *mediaURL
	}
	if mediaKind != nil {
		r.MediaKind = store.MediaKind(*mediaKind)
	}
	if cronExpr != nil {
		r.CronExpression = *cronExpr
	}
	return &r, nil
}

func (d *DB) CreateRule(ctx context.Context, r *store.RecurrenceRule) (*store.RecurrenceRule, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	row := d.pool.QueryRow(ctx, `
		INSERT INTO recurrence_rules (id, contact_ref, kind, content, media_url, media_kind,
			cron_expression, every_n_days, day_of_month, end_date, max_occurrences, enabled)
		VALUES ($1,$2,$3,$4,nullif($5,''),nullif($6,''),nullif($7,''),$8,$9,$10,$11,$12)
		RETURNING `+ruleCols,
		r.ID, r.ContactRef, r.Kind, r.Content, r.MediaURL, r.MediaKind, r.CronExpression,
		r.EveryNDays, r.DayOfMonth, r.EndDate, r.MaxOccurrences, r.Enabled,
	)
	return scanRule(row)
}

func (d *DB) FindRule(ctx context.Context, id uuid.UUID) (*store.RecurrenceRule, error) {
	row := d.pool.QueryRow(ctx, `SELECT `+ruleCols+` FROM recurrence_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (d *DB) FindBirthdayRuleByContact(ctx context.Context, contactRef string) (*store.RecurrenceRule, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+ruleCols+` FROM recurrence_rules WHERE contact_ref = $1 AND kind = 'birthday'
	`, contactRef)
	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (d *DB) EditRule(ctx context.Context, id uuid.UUID, patch store.RulePatch) (*store.RecurrenceRule, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE recurrence_rules SET
			content         = COALESCE($2, content),
			media_url       = COALESCE($3, media_url),
			media_kind      = COALESCE($4, media_kind),
			cron_expression = COALESCE($5, cron_expression),
			every_n_days    = COALESCE($6, every_n_days),
			day_of_month    = COALESCE($7, day_of_month),
			end_date        = COALESCE($8, end_date),
			max_occurrences = COALESCE($9, max_occurrences),
			enabled         = COALESCE($10, enabled),
			updated_at      = now()
		WHERE id = $1
		RETURNING `+ruleCols,
		id, patch.Content, patch.MediaURL, patch.MediaKind, patch.CronExpression,
		patch.EveryNDays, patch.DayOfMonth, patch.EndDate, patch.MaxOccurrences, patch.Enabled,
	)
	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (d *DB) DisableRule(ctx context.Context, id uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `UPDATE recurrence_rules SET enabled = false, updated_at = now() WHERE id = $1`, id)
	return err
}

func (d *DB) ListRules(ctx context.Context, enabledOnly bool) ([]*store.RecurrenceRule, error) {
	q := `SELECT ` + ruleCols + ` FROM recurrence_rules`
	if enabledOnly {
		q += ` WHERE enabled = true`
	}
	q += ` ORDER BY created_at`
	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.RecurrenceRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FireRule atomically creates the occurrence Intent, advances the rule's
// occurrence counter, and auto-disables the rule once it has reached its
// max occurrence count — all inside one transaction so a crash between
// steps never leaves the rule and its intents inconsistent.
func (d *DB) FireRule(ctx context.Context, ruleID uuid.UUID, scheduledAt time.Time) (*store.Intent, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var r store.RecurrenceRule
	var mediaURL, mediaKind *string
	err = tx.QueryRow(ctx, `
		SELECT id, contact_ref, content, media_url, media_kind, occurrence_count, max_occurrences
		FROM recurrence_rules WHERE id = $1 FOR UPDATE
	`, ruleID).Scan(&r.ID, &r.ContactRef, &r.Content, &mediaURL, &mediaKind, &r.OccurrenceCount, &r.MaxOccurrences)
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	if mediaURL != nil {
		r.MediaURL = *mediaURL
	}
	if mediaKind != nil {
		r.MediaKind = store.MediaKind(*mediaKind)
	}

	id := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO intents (id, recipient_kind, contact_ref, content, media_url, media_kind,
			scheduled_at, status, recurrence_rule_id, attempts)
		VALUES ($1,'contact',$2,$3,nullif($4,''),nullif($5,''),$6,'pending',$7,0)
		RETURNING `+intentCols,
		id, r.ContactRef, r.Content, r.MediaURL, r.MediaKind, scheduledAt, ruleID,
	)
	intent, err := scanIntent(row)
	if err != nil {
		return nil, fmt.Errorf("insert occurrence intent: %w", err)
	}

	newCount := r.OccurrenceCount + 1
	disable := r.MaxOccurrences != nil && newCount >= *r.MaxOccurrences
	_, err = tx.Exec(ctx, `
		UPDATE recurrence_rules SET
			occurrence_count = $2,
			last_fired_at    = $3,
			enabled          = enabled AND NOT $4,
			updated_at       = now()
		WHERE id = $1
	`, ruleID, newCount, scheduledAt, disable)
	if err != nil {
		return nil, fmt.Errorf("advance rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return intent, nil
}

// ---- credential vault ----

func (d *DB) GetCredentialBlob(ctx context.Context, key string) (string, bool, error) {
	var ciphertext string
	err := d.pool.QueryRow(ctx, `SELECT ciphertext FROM credential_vault WHERE key = $1`, key).Scan(&ciphertext)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ciphertext, true, nil
}

func (d *DB) SetCredentialBlob(ctx context.Context, key, ciphertext string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO credential_vault (key, ciphertext, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (key) DO UPDATE SET ciphertext = $2, updated_at = now()
	`, key, ciphertext)
	return err
}

func (d *DB) DeleteCredentialBlobs(ctx context.Context, keys ...string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM credential_vault WHERE key = ANY($1)`, keys)
	return err
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	return err
}
