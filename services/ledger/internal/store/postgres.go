package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/events"
)

//go:embed schema.sql
var schema string

// ledgerLockKey serializes every ledger transaction via
// pg_advisory_xact_lock.
const ledgerLockKey int64 = 0x6c656467

const metaOwner = "owner"

// Postgres is the production backend. Events are written to
// ledger_outbox inside the transaction and published by the relay.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the schema. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&pgTx{tx: tx, readOnly: true})
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

func (p *Postgres) Close() { p.db.Close() }

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *pgTx) Owner(ctx context.Context) (string, error) {
	var owner string
	err := t.tx.QueryRow(ctx, `SELECT value FROM ledger_meta WHERE key=$1`, metaOwner).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("db owner: %w", err)
	}
	return owner, nil
}

func (t *pgTx) SetOwner(ctx context.Context, owner string) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_meta (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, metaOwner, owner)
	if err != nil {
		return fmt.Errorf("db set owner: %w", err)
	}
	return nil
}

func (t *pgTx) Content(ctx context.Context, id string) (domain.ContentMeta, bool, error) {
	var (
		c          domain.ContentMeta
		durationMs int64
	)
	err := t.tx.QueryRow(ctx, `
SELECT content_id, duration_ms, max_playback_rate, max_reports, registered_at, registered_by
FROM ledger_contents WHERE content_id=$1`, id).
		Scan(&c.ContentID, &durationMs, &c.MaxPlaybackRate, &c.MaxReports, &c.RegisteredAt, &c.RegisteredBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ContentMeta{}, false, nil
	}
	if err != nil {
		return domain.ContentMeta{}, false, fmt.Errorf("db content: %w", err)
	}
	c.Duration = time.Duration(durationMs) * time.Millisecond
	c.RegisteredAt = clock.Truncate(c.RegisteredAt)
	return c, true, nil
}

func (t *pgTx) PutContent(ctx context.Context, c domain.ContentMeta) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_contents (content_id, duration_ms, max_playback_rate, max_reports, registered_at, registered_by)
VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ContentID, c.Duration.Milliseconds(), c.MaxPlaybackRate, c.MaxReports, c.RegisteredAt, c.RegisteredBy)
	if err != nil {
		return fmt.Errorf("db put content: %w", err)
	}
	return nil
}

func (t *pgTx) ReporterApproved(ctx context.Context, reporter, contentID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM ledger_reporters WHERE reporter_id=$1 AND content_id IN ($2, ''))`,
		reporter, contentID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("db reporter: %w", err)
	}
	return ok, nil
}

func (t *pgTx) PutReporter(ctx context.Context, reporter, contentID string, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_reporters (reporter_id, content_id, approved_at) VALUES ($1, $2, $3)
ON CONFLICT (reporter_id, content_id) DO NOTHING`, reporter, contentID, at)
	if err != nil {
		return fmt.Errorf("db put reporter: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteReporter(ctx context.Context, reporter, contentID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM ledger_reporters WHERE reporter_id=$1 AND content_id=$2`, reporter, contentID)
	if err != nil {
		return false, fmt.Errorf("db delete reporter: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) Progress(ctx context.Context, userID, contentID string) (domain.ProgressRecord, bool, error) {
	var (
		r                      domain.ProgressRecord
		cumulativeMs, windowMs int64
		strikeStart            *time.Time
	)
	r.UserID, r.ContentID = userID, contentID
	err := t.tx.QueryRow(ctx, `
SELECT cumulative_ms, last_reported_at, pacing_window_start, window_consumed_ms, total_reports,
       flagged, strikes, strike_window_start, created_at, updated_at
FROM ledger_progress WHERE user_id=$1 AND content_id=$2`, userID, contentID).
		Scan(&cumulativeMs, &r.LastReportedAt, &r.PacingWindowStart, &windowMs, &r.TotalReports,
			&r.Flagged, &r.Strikes, &strikeStart, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ProgressRecord{}, false, nil
	}
	if err != nil {
		return domain.ProgressRecord{}, false, fmt.Errorf("db progress: %w", err)
	}
	r.CumulativeConsumed = time.Duration(cumulativeMs) * time.Millisecond
	r.WindowConsumed = time.Duration(windowMs) * time.Millisecond
	r.LastReportedAt = clock.Truncate(r.LastReportedAt)
	r.PacingWindowStart = clock.Truncate(r.PacingWindowStart)
	r.CreatedAt = clock.Truncate(r.CreatedAt)
	r.UpdatedAt = clock.Truncate(r.UpdatedAt)
	if strikeStart != nil {
		r.StrikeWindowStart = clock.Truncate(*strikeStart)
	}
	return r, true, nil
}

func (t *pgTx) PutProgress(ctx context.Context, r domain.ProgressRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	var strikeStart *time.Time
	if !r.StrikeWindowStart.IsZero() {
		strikeStart = &r.StrikeWindowStart
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_progress (user_id, content_id, cumulative_ms, last_reported_at, pacing_window_start,
  window_consumed_ms, total_reports, flagged, strikes, strike_window_start, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (user_id, content_id) DO UPDATE SET
  cumulative_ms       = EXCLUDED.cumulative_ms,
  last_reported_at    = EXCLUDED.last_reported_at,
  pacing_window_start = EXCLUDED.pacing_window_start,
  window_consumed_ms  = EXCLUDED.window_consumed_ms,
  total_reports       = EXCLUDED.total_reports,
  flagged             = EXCLUDED.flagged,
  strikes             = EXCLUDED.strikes,
  strike_window_start = EXCLUDED.strike_window_start,
  updated_at          = EXCLUDED.updated_at`,
		r.UserID, r.ContentID, r.CumulativeConsumed.Milliseconds(), r.LastReportedAt, r.PacingWindowStart,
		r.WindowConsumed.Milliseconds(), r.TotalReports, r.Flagged, r.Strikes, strikeStart, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db put progress: %w", err)
	}
	return nil
}

func (t *pgTx) Receipt(ctx context.Context, key string) (domain.Receipt, bool, error) {
	var (
		r                                 domain.Receipt
		kind, reason                      string
		proposedMs, deltaMs, cumulativeMs int64
	)
	err := t.tx.QueryRow(ctx, `
SELECT key, user_id, content_id, verdict, reason, proposed_ms, delta_ms, new_cumulative_ms, flagged, recorded_at
FROM ledger_receipts WHERE key=$1`, key).
		Scan(&r.Key, &r.UserID, &r.ContentID, &kind, &reason, &proposedMs, &deltaMs, &cumulativeMs, &r.Flagged, &r.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Receipt{}, false, nil
	}
	if err != nil {
		return domain.Receipt{}, false, fmt.Errorf("db receipt: %w", err)
	}
	r.Verdict = domain.Verdict{
		Kind:     domain.VerdictKind(kind),
		Reason:   domain.RejectReason(reason),
		Proposed: time.Duration(proposedMs) * time.Millisecond,
		Delta:    time.Duration(deltaMs) * time.Millisecond,
	}
	r.NewCumulative = time.Duration(cumulativeMs) * time.Millisecond
	r.RecordedAt = clock.Truncate(r.RecordedAt)
	return r, true, nil
}

func (t *pgTx) PutReceipt(ctx context.Context, r domain.Receipt) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_receipts (key, user_id, content_id, verdict, reason, proposed_ms, delta_ms, new_cumulative_ms, flagged, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.Key, r.UserID, r.ContentID, string(r.Verdict.Kind), string(r.Verdict.Reason),
		r.Verdict.Proposed.Milliseconds(), r.Verdict.Delta.Milliseconds(), r.NewCumulative.Milliseconds(),
		r.Flagged, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("db put receipt: %w", err)
	}
	return nil
}

func (t *pgTx) AddConsumption(ctx context.Context, userID string, d time.Duration) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO ledger_user_totals (user_id, consumed_ms) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET consumed_ms = ledger_user_totals.consumed_ms + EXCLUDED.consumed_ms`,
		userID, d.Milliseconds())
	if err != nil {
		return fmt.Errorf("db add consumption: %w", err)
	}
	return nil
}

func (t *pgTx) UserConsumption(ctx context.Context, userID string) (time.Duration, error) {
	var ms int64
	err := t.tx.QueryRow(ctx, `SELECT consumed_ms FROM ledger_user_totals WHERE user_id=$1`, userID).Scan(&ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("db user consumption: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (t *pgTx) TotalConsumption(ctx context.Context) (time.Duration, error) {
	var ms int64
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(consumed_ms), 0)::bigint FROM ledger_user_totals`).Scan(&ms); err != nil {
		return 0, fmt.Errorf("db total consumption: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (t *pgTx) HighWater(ctx context.Context) (time.Time, error) {
	var hw *time.Time
	err := t.tx.QueryRow(ctx, `
SELECT GREATEST(
  (SELECT MAX(updated_at) FROM ledger_progress),
  (SELECT MAX(registered_at) FROM ledger_contents))`).Scan(&hw)
	if err != nil {
		return time.Time{}, fmt.Errorf("db high water: %w", err)
	}
	if hw == nil {
		return time.Time{}, nil
	}
	return clock.Truncate(*hw), nil
}

// Now reads the database clock. Every replica takes the advisory lock
// before calling it, so all of them share one time source.
func (t *pgTx) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := t.tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("db now: %w", err)
	}
	now = clock.Truncate(now)
	hw, err := t.HighWater(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if now.Before(hw) {
		now = hw
	}
	return now, nil
}

func (t *pgTx) Emit(ctx context.Context, ev domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		id = uuid.New()
	}
	subject, payload, err := events.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_outbox (id, subject, payload) VALUES ($1, $2, $3)`,
		id, subject, payload,
	); err != nil {
		return fmt.Errorf("db outbox: %w", err)
	}
	return nil
}
