package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

var ErrReadOnly = errors.New("store: write in read-only transaction")

// Store is the ledger's persisted state handle. Update runs fn as one
// serialized transaction: every write it makes commits together or not
// at all, and no other Update observes its intermediate state.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx exposes keyed access to ledger state inside a transaction. Lookups
// that miss return ok=false rather than an error.
type Tx interface {
	Owner(ctx context.Context) (string, error)
	SetOwner(ctx context.Context, owner string) error

	Content(ctx context.Context, contentID string) (domain.ContentMeta, bool, error)
	PutContent(ctx context.Context, meta domain.ContentMeta) error

	// ReporterApproved is true for an approval scoped to contentID or to
	// every content (empty content id).
	ReporterApproved(ctx context.Context, reporter, contentID string) (bool, error)
	PutReporter(ctx context.Context, reporter, contentID string, at time.Time) error
	DeleteReporter(ctx context.Context, reporter, contentID string) (bool, error)

	Progress(ctx context.Context, userID, contentID string) (domain.ProgressRecord, bool, error)
	PutProgress(ctx context.Context, rec domain.ProgressRecord) error

	Receipt(ctx context.Context, key string) (domain.Receipt, bool, error)
	PutReceipt(ctx context.Context, r domain.Receipt) error

	AddConsumption(ctx context.Context, userID string, d time.Duration) error
	UserConsumption(ctx context.Context, userID string) (time.Duration, error)
	TotalConsumption(ctx context.Context) (time.Duration, error)

	// HighWater is the latest ledger-assigned timestamp persisted. Report
	// times supplied by clients do not count.
	HighWater(ctx context.Context) (time.Time, error)

	// Now is ledger time for this transaction. It comes from the store's
	// single time source and is never earlier than HighWater, so every
	// process sharing the store observes one monotonic clock.
	Now(ctx context.Context) (time.Time, error)

	// Emit enqueues an event for delivery once the transaction commits.
	Emit(ctx context.Context, ev domain.Event) error
}

// Sink receives committed events from the memory backend.
type Sink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

type reporterKey struct {
	reporter string
	content  string
}

type progressKey struct {
	user    string
	content string
}
