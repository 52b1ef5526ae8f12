package outbox

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/consumption-ledger/internal/platform/db"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

type recordingPublisher struct {
	failOn string
	got    []string
}

func (p *recordingPublisher) Publish(_ context.Context, id, _ string, _ []byte) error {
	if id == p.failOn {
		return errors.New("nats: timeout")
	}
	p.got = append(p.got, id)
	return nil
}

// Runs against a real database when LEDGER_TEST_DATABASE_URL is set.
func TestRelay_StopsAtFirstPublishFailure(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer pool.Close()
	if err := store.NewPostgres(pool).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Back-dated rows sort ahead of anything else pending in the database.
	base := time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		if _, err := pool.Exec(ctx,
			`INSERT INTO ledger_outbox (id, subject, payload, created_at) VALUES ($1, $2, '{}'::jsonb, $3)`,
			id, "ledger.consumption.accepted", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("seed outbox: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM ledger_outbox WHERE id::text = ANY($1)`, ids)
	})

	pub := &recordingPublisher{failOn: ids[1]}
	r := NewRelay(zap.NewNop(), pool, pub)
	r.BatchSize = len(ids)

	n, err := r.flushOnce(ctx)
	if err == nil {
		t.Fatal("expected the publish failure to be returned")
	}
	if n != 1 || len(pub.got) != 1 || pub.got[0] != ids[0] {
		t.Fatalf("expected only the first row published, n=%d got=%v", n, pub.got)
	}

	published := func(id string) bool {
		t.Helper()
		var ok bool
		if err := pool.QueryRow(ctx, `SELECT published_at IS NOT NULL FROM ledger_outbox WHERE id = $1`, id).Scan(&ok); err != nil {
			t.Fatalf("read row %s: %v", id, err)
		}
		return ok
	}
	if !published(ids[0]) || published(ids[1]) || published(ids[2]) {
		t.Fatal("expected the head committed and the failed tail left pending")
	}

	pub.failOn = ""
	r.BatchSize = 2
	n, err = r.flushOnce(ctx)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if n != 2 || pub.got[1] != ids[1] || pub.got[2] != ids[2] {
		t.Fatalf("expected the pending tail in order, n=%d got=%v", n, pub.got)
	}
	if !published(ids[1]) || !published(ids[2]) {
		t.Fatal("expected every row published after the retry")
	}
}
