package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

// Memory is a development and test backend. A single mutex serializes
// transactions; writes are staged in an overlay and merged on success.
type Memory struct {
	mu        sync.RWMutex
	deliverMu sync.Mutex

	owner     string
	contents  map[string]domain.ContentMeta
	reporters map[reporterKey]time.Time
	progress  map[progressKey]domain.ProgressRecord
	receipts  map[string]domain.Receipt
	totals    map[string]time.Duration
	total     time.Duration
	highWater time.Time
	events    []domain.Event

	clock clock.Clock
	sink  Sink
	log   *zap.Logger
}

// NewMemory returns an empty store. clk is the store's time source and
// defaults to wall time; sink may be nil.
func NewMemory(clk clock.Clock, sink Sink, log *zap.Logger) *Memory {
	if clk == nil {
		clk = clock.NewMonotonic(time.Time{})
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Memory{
		clock:     clk,
		contents:  make(map[string]domain.ContentMeta),
		reporters: make(map[reporterKey]time.Time),
		progress:  make(map[progressKey]domain.ProgressRecord),
		receipts:  make(map[string]domain.Receipt),
		totals:    make(map[string]time.Duration),
		sink:      sink,
		log:       log,
	}
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	locked := true
	defer func() {
		if locked {
			m.mu.Unlock()
		}
	}()

	tx := newMemTx(m, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	evs := tx.events

	// Take the delivery lock before releasing state so events leave in
	// commit order.
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Unlock()
	locked = false
	if m.sink == nil {
		return nil
	}
	for _, ev := range evs {
		if err := m.sink.Emit(ctx, ev); err != nil {
			m.log.Warn("event delivery failed", zap.String("event_id", ev.ID), zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
	return nil
}

func (m *Memory) View(_ context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newMemTx(m, true))
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

// Events returns every event committed so far.
func (m *Memory) Events() []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

type memTx struct {
	m        *Memory
	readOnly bool

	owner     *string
	contents  map[string]domain.ContentMeta
	reporters map[reporterKey]*time.Time
	progress  map[progressKey]domain.ProgressRecord
	receipts  map[string]domain.Receipt
	totals    map[string]time.Duration
	total     *time.Duration
	highWater time.Time
	events    []domain.Event
}

func newMemTx(m *Memory, readOnly bool) *memTx {
	return &memTx{
		m:         m,
		readOnly:  readOnly,
		contents:  make(map[string]domain.ContentMeta),
		reporters: make(map[reporterKey]*time.Time),
		progress:  make(map[progressKey]domain.ProgressRecord),
		receipts:  make(map[string]domain.Receipt),
		totals:    make(map[string]time.Duration),
	}
}

func (t *memTx) commit() {
	m := t.m
	if t.owner != nil {
		m.owner = *t.owner
	}
	for k, v := range t.contents {
		m.contents[k] = v
	}
	for k, v := range t.reporters {
		if v == nil {
			delete(m.reporters, k)
			continue
		}
		m.reporters[k] = *v
	}
	for k, v := range t.progress {
		m.progress[k] = v
	}
	for k, v := range t.receipts {
		m.receipts[k] = v
	}
	for k, v := range t.totals {
		m.totals[k] = v
	}
	if t.total != nil {
		m.total = *t.total
	}
	if t.highWater.After(m.highWater) {
		m.highWater = t.highWater
	}
	m.events = append(m.events, t.events...)
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) mark(ts time.Time) {
	if ts.After(t.highWater) {
		t.highWater = ts
	}
}

func (t *memTx) Owner(context.Context) (string, error) {
	if t.owner != nil {
		return *t.owner, nil
	}
	return t.m.owner, nil
}

func (t *memTx) SetOwner(_ context.Context, owner string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.owner = &owner
	return nil
}

func (t *memTx) Content(_ context.Context, id string) (domain.ContentMeta, bool, error) {
	if c, ok := t.contents[id]; ok {
		return c, true, nil
	}
	c, ok := t.m.contents[id]
	return c, ok, nil
}

func (t *memTx) PutContent(_ context.Context, meta domain.ContentMeta) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.contents[meta.ContentID] = meta
	t.mark(meta.RegisteredAt)
	return nil
}

func (t *memTx) reporter(k reporterKey) bool {
	if v, ok := t.reporters[k]; ok {
		return v != nil
	}
	_, ok := t.m.reporters[k]
	return ok
}

func (t *memTx) ReporterApproved(_ context.Context, reporter, contentID string) (bool, error) {
	return t.reporter(reporterKey{reporter, contentID}) || t.reporter(reporterKey{reporter, ""}), nil
}

func (t *memTx) PutReporter(_ context.Context, reporter, contentID string, at time.Time) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.reporters[reporterKey{reporter, contentID}] = &at
	return nil
}

func (t *memTx) DeleteReporter(_ context.Context, reporter, contentID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	k := reporterKey{reporter, contentID}
	existed := t.reporter(k)
	t.reporters[k] = nil
	return existed, nil
}

func (t *memTx) Progress(_ context.Context, userID, contentID string) (domain.ProgressRecord, bool, error) {
	k := progressKey{userID, contentID}
	if r, ok := t.progress[k]; ok {
		return r, true, nil
	}
	r, ok := t.m.progress[k]
	return r, ok, nil
}

func (t *memTx) PutProgress(_ context.Context, rec domain.ProgressRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.progress[progressKey{rec.UserID, rec.ContentID}] = rec
	t.mark(rec.UpdatedAt)
	return nil
}

func (t *memTx) Receipt(_ context.Context, key string) (domain.Receipt, bool, error) {
	if r, ok := t.receipts[key]; ok {
		return r, true, nil
	}
	r, ok := t.m.receipts[key]
	return r, ok, nil
}

func (t *memTx) PutReceipt(_ context.Context, r domain.Receipt) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.receipts[r.Key] = r
	return nil
}

func (t *memTx) AddConsumption(ctx context.Context, userID string, d time.Duration) error {
	if err := t.writable(); err != nil {
		return err
	}
	cur, _ := t.UserConsumption(ctx, userID)
	t.totals[userID] = cur + d
	total, _ := t.TotalConsumption(ctx)
	total += d
	t.total = &total
	return nil
}

func (t *memTx) UserConsumption(_ context.Context, userID string) (time.Duration, error) {
	if v, ok := t.totals[userID]; ok {
		return v, nil
	}
	return t.m.totals[userID], nil
}

func (t *memTx) TotalConsumption(context.Context) (time.Duration, error) {
	if t.total != nil {
		return *t.total, nil
	}
	return t.m.total, nil
}

func (t *memTx) HighWater(context.Context) (time.Time, error) {
	if t.highWater.After(t.m.highWater) {
		return t.highWater, nil
	}
	return t.m.highWater, nil
}

func (t *memTx) Now(ctx context.Context) (time.Time, error) {
	now := clock.Truncate(t.m.clock.Now())
	hw, err := t.HighWater(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if now.Before(hw) {
		now = hw
	}
	return now, nil
}

func (t *memTx) Emit(_ context.Context, ev domain.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}
