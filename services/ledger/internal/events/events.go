// Package events delivers committed ledger transitions to off-ledger
// observers. The ledger decides what to emit; this package decides where.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

const (
	// StreamName holds every ledger.> subject.
	StreamName    = "LEDGER_EVENTS"
	StreamSubject = "ledger.>"
)

type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Message is the wire envelope published for every event.
type Message struct {
	EventID         string `json:"event_id"`
	Kind            string `json:"kind"`
	UserID          string `json:"user_id"`
	ContentID       string `json:"content_id"`
	Caller          string `json:"caller,omitempty"`
	DeltaMs         int64  `json:"delta_ms"`
	NewCumulativeMs int64  `json:"new_cumulative_ms"`
	Verdict         string `json:"verdict,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Timestamp       string `json:"timestamp"`
}

func NewMessage(ev domain.Event) Message {
	return Message{
		EventID:         ev.ID,
		Kind:            string(ev.Kind),
		UserID:          ev.UserID,
		ContentID:       ev.ContentID,
		Caller:          ev.Caller,
		DeltaMs:         ev.Delta.Milliseconds(),
		NewCumulativeMs: ev.NewCumulative.Milliseconds(),
		Verdict:         string(ev.Verdict),
		Reason:          string(ev.Reason),
		Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Encode returns the subject and JSON payload for ev.
func Encode(ev domain.Event) (string, []byte, error) {
	b, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return "", nil, err
	}
	return Subject(ev), b, nil
}

func Subject(ev domain.Event) string { return string(ev.Kind) }

// Multi fans an event out to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogEmitter writes events to the service log.
type LogEmitter struct {
	Log *zap.Logger
}

func (l LogEmitter) Emit(_ context.Context, ev domain.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("user_id", ev.UserID),
		zap.String("content_id", ev.ContentID),
		zap.Duration("delta", ev.Delta),
		zap.Duration("new_cumulative", ev.NewCumulative),
	}
	if ev.Reason != domain.ReasonNone {
		fields = append(fields, zap.String("reason", string(ev.Reason)))
	}
	if ev.Kind == domain.EventFlagged {
		l.Log.Warn(string(ev.Kind), fields...)
		return nil
	}
	l.Log.Info(string(ev.Kind), fields...)
	return nil
}
