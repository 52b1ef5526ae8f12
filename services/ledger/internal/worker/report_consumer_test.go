package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
	"github.com/example/consumption-ledger/services/ledger/internal/policy"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingStore struct{ store.Store }

func (failingStore) Update(context.Context, func(store.Tx) error) error {
	return errors.New("connection reset")
}

func newConsumer(t *testing.T) (*ReportConsumer, *clock.Manual) {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(t0)
	l, err := ledger.New(ledger.Options{Store: store.NewMemory(clk, nil, nil), Policy: policy.DefaultConfig()})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if err := l.Initialize(ctx, "owner"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := l.RegisterContent(ctx, "owner", domain.ContentMeta{ContentID: "ep-1", Duration: time.Hour}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.ApproveReporter(ctx, "owner", "platform", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	return NewReportConsumer(zap.NewNop(), l), clk
}

func TestApply_Dispositions(t *testing.T) {
	ctx := context.Background()
	c, clk := newConsumer(t)
	clk.Set(t0.Add(time.Minute))

	cases := []struct {
		name string
		data string
		want disposition
	}{
		{"valid report", `{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":30000,"report_id":"r1"}`, ack},
		{"redelivery", `{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":30000,"report_id":"r1"}`, ack},
		{"reject verdict still acks", `{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":1000,"reported_at_ms":1}`, ack},
		{"invalid json", `{`, term},
		{"delta overflows duration", `{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":18446744073710}`, term},
		{"unapproved reporter", `{"reporter_id":"rogue","user_id":"alice","content_id":"ep-1","delta_ms":1}`, term},
		{"unknown content", `{"reporter_id":"platform","user_id":"alice","content_id":"nope","delta_ms":1}`, term},
		{"negative delta", `{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":-5}`, term},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.apply(ctx, []byte(tc.data)); got != tc.want {
				t.Fatalf("expected disposition %d, got %d", tc.want, got)
			}
		})
	}

	rec, err := c.Ledger.GetProgress(ctx, "alice", "ep-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if rec.CumulativeConsumed != 30*time.Second || rec.TotalReports != 1 {
		t.Fatalf("expected one credited report, got %+v", rec)
	}
}

func TestApply_StorageFailureNaks(t *testing.T) {
	l, err := ledger.New(ledger.Options{Store: failingStore{}})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	c := NewReportConsumer(zap.NewNop(), l)
	got := c.apply(context.Background(), []byte(`{"reporter_id":"platform","user_id":"alice","content_id":"ep-1","delta_ms":1}`))
	if got != nak {
		t.Fatalf("expected nak, got %d", got)
	}
}
