package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Publisher sends one encoded event. events.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, id, subject string, data []byte) error
}

// Relay moves committed rows from ledger_outbox to JetStream. Rows are
// locked with SKIP LOCKED so several replicas can relay concurrently.
type Relay struct {
	Log          *zap.Logger
	DB           *pgxpool.Pool
	Pub          Publisher
	BatchSize    int
	PollInterval time.Duration
}

type outboxRow struct {
	ID      string
	Subject string
	Payload json.RawMessage
}

func NewRelay(log *zap.Logger, db *pgxpool.Pool, pub Publisher) *Relay {
	return &Relay{
		Log:          log,
		DB:           db,
		Pub:          pub,
		BatchSize:    100,
		PollInterval: time.Second,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.flushOnce(ctx)
			if err != nil {
				r.Log.Warn("outbox flush failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.Log.Debug("outbox flushed", zap.Int("count", n))
			}
		}
	}
}

func (r *Relay) flushOnce(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id::text, subject, payload
FROM ledger_outbox
WHERE published_at IS NULL
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`, r.BatchSize)
	if err != nil {
		return 0, err
	}

	items := make([]outboxRow, 0, r.BatchSize)
	for rows.Next() {
		var item outboxRow
		if err := rows.Scan(&item.ID, &item.Subject, &item.Payload); err != nil {
			rows.Close()
			return 0, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	// Publish in order and stop at the first failure; the unpublished
	// tail stays pending for the next tick.
	ids := make([]string, 0, len(items))
	var pubErr error
	for _, item := range items {
		if pubErr = r.Pub.Publish(ctx, item.ID, item.Subject, item.Payload); pubErr != nil {
			break
		}
		ids = append(ids, item.ID)
	}
	if len(ids) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE ledger_outbox SET published_at = now() WHERE id::text = ANY($1)`, ids); err != nil {
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
	}
	return len(ids), pubErr
}
