package events

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

// Publisher publishes events to JetStream. The event id doubles as the
// JetStream message id so redelivered events are deduplicated.
// A nil Publisher, or one without a JetStream context, is a no-op.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
}

func NewPublisher(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log}
}

func (p *Publisher) Emit(ctx context.Context, ev domain.Event) error {
	if p == nil || p.js == nil {
		return nil
	}
	subject, data, err := Encode(ev)
	if err != nil {
		p.log.Warn("events: marshal failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return err
	}
	return p.Publish(ctx, ev.ID, subject, data)
}

// Publish sends an already encoded payload.
func (p *Publisher) Publish(ctx context.Context, id, subject string, data []byte) error {
	if p == nil || p.js == nil {
		return nil
	}
	if _, err := p.js.Publish(subject, data, nats.MsgId(id), nats.Context(ctx)); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}
