package ledger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

const meterName = "github.com/example/consumption-ledger/ledger"

type metrics struct {
	verdicts metric.Int64Counter
	credited metric.Int64Counter
	flags    metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	if m == nil {
		m = otel.Meter(meterName)
	}
	verdicts, err := m.Int64Counter("ledger.verdicts",
		metric.WithDescription("Consumption reports evaluated, by verdict and reason"))
	if err != nil {
		return nil, err
	}
	credited, err := m.Int64Counter("ledger.credited",
		metric.WithDescription("Consumption credited to progress records"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	flags, err := m.Int64Counter("ledger.flags",
		metric.WithDescription("Flag transitions on progress records"))
	if err != nil {
		return nil, err
	}
	return &metrics{verdicts: verdicts, credited: credited, flags: flags}, nil
}

func (m *metrics) verdict(ctx context.Context, v domain.Verdict) {
	m.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(v.Kind)),
		attribute.String("reason", string(v.Reason)),
	))
	if v.Delta > 0 {
		m.credited.Add(ctx, v.Delta.Milliseconds())
	}
}

func (m *metrics) flag(ctx context.Context, kind domain.EventKind) {
	m.flags.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
