package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/consumption-ledger/internal/platform/natsconn"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

const (
	ReportsStream  = "CONSUMPTION_REPORTS"
	ReportsSubject = "reports.consumption"
	reportsDurable = "ledger_reports"
)

// ReportMessage is what reporter platforms publish. The publishing
// reporter is trusted to be reporter_id; subject permissions on the NATS
// account enforce that.
type ReportMessage struct {
	ReporterID   string `json:"reporter_id"`
	UserID       string `json:"user_id"`
	ContentID    string `json:"content_id"`
	DeltaMs      int64  `json:"delta_ms"`
	ReportedAtMs int64  `json:"reported_at_ms,omitempty"`
	ReportID     string `json:"report_id,omitempty"`
}

type disposition int

const (
	ack disposition = iota
	nak
	term
)

// ReportConsumer applies reports from JetStream to the ledger. Messages
// are acked only after the ledger transaction committed; replays are
// absorbed by report receipts.
type ReportConsumer struct {
	Log       *zap.Logger
	Ledger    *ledger.Ledger
	BatchSize int
	FetchWait time.Duration
}

func NewReportConsumer(log *zap.Logger, l *ledger.Ledger) *ReportConsumer {
	return &ReportConsumer{Log: log, Ledger: l, BatchSize: 100, FetchWait: 2 * time.Second}
}

// Run blocks until ctx is done.
func (c *ReportConsumer) Run(ctx context.Context, js nats.JetStreamContext) error {
	if err := natsconn.EnsureStream(js, natsconn.StreamSpec{
		Name:     ReportsStream,
		Subjects: []string{"reports.>"},
	}); err != nil {
		return err
	}
	sub, err := js.PullSubscribe(ReportsSubject, reportsDurable)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := sub.Fetch(c.BatchSize, nats.MaxWait(c.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			c.Log.Warn("report fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, m := range msgs {
			c.settle(m, c.apply(ctx, m.Data))
		}
	}
}

func (c *ReportConsumer) settle(m *nats.Msg, d disposition) {
	var err error
	switch d {
	case ack:
		err = m.Ack()
	case nak:
		err = m.Nak()
	case term:
		err = m.Term()
	}
	if err != nil {
		c.Log.Warn("report settle failed", zap.Error(err))
	}
}

func (c *ReportConsumer) apply(ctx context.Context, data []byte) disposition {
	var msg ReportMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Log.Warn("report: invalid json", zap.Error(err))
		return term
	}

	delta, err := ledger.Millis("delta_ms", msg.DeltaMs)
	if err != nil {
		c.Log.Warn("report dropped", zap.String("reporter_id", msg.ReporterID), zap.Error(err))
		return term
	}
	report := ledger.Report{
		UserID:    msg.UserID,
		ContentID: msg.ContentID,
		Delta:     delta,
		ReportID:  msg.ReportID,
	}
	if msg.ReportedAtMs > 0 {
		at := time.UnixMilli(msg.ReportedAtMs).UTC()
		report.ReportedAt = &at
	}

	res, err := c.Ledger.RecordConsumption(ctx, msg.ReporterID, report)
	if err != nil {
		if permanent(err) {
			c.Log.Warn("report dropped",
				zap.String("reporter_id", msg.ReporterID),
				zap.String("user_id", msg.UserID),
				zap.String("content_id", msg.ContentID),
				zap.Error(err))
			return term
		}
		c.Log.Error("report apply failed", zap.Error(err))
		return nak
	}
	c.Log.Debug("report applied",
		zap.String("user_id", res.UserID),
		zap.String("content_id", res.ContentID),
		zap.String("verdict", string(res.Verdict.Kind)),
		zap.Bool("replayed", res.Replayed))
	return ack
}

// permanent errors would fail identically on redelivery.
func permanent(err error) bool {
	for _, target := range []error{
		ledger.ErrInvalidArgument,
		ledger.ErrUnauthorized,
		ledger.ErrUnknownContent,
		ledger.ErrRecordFlagged,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
