package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the marketplace instruments.
type Metrics struct {
	Operations      metric.Int64Counter
	OperationErrors metric.Int64Counter
	OperationTime   metric.Float64Histogram
	EscrowLocked    metric.Int64UpDownCounter
	FeesCollected   metric.Int64Counter
	Refunds         metric.Int64Counter
	JudgeDuration   metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	m.Operations, err = meter.Int64Counter("bountyline.operations",
		metric.WithDescription("Lifecycle operations committed"),
	)
	if err != nil {
		return nil, err
	}
	m.OperationErrors, err = meter.Int64Counter("bountyline.operation.errors",
		metric.WithDescription("Lifecycle operations rejected or failed"),
	)
	if err != nil {
		return nil, err
	}
	m.OperationTime, err = meter.Float64Histogram("bountyline.operation.duration",
		metric.WithDescription("Lifecycle operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.EscrowLocked, err = meter.Int64UpDownCounter("bountyline.escrow.locked",
		metric.WithDescription("Base units currently held in task escrows"),
	)
	if err != nil {
		return nil, err
	}
	m.FeesCollected, err = meter.Int64Counter("bountyline.fees.collected",
		metric.WithDescription("Platform fees paid to the treasury"),
	)
	if err != nil {
		return nil, err
	}
	m.Refunds, err = meter.Int64Counter("bountyline.refunds",
		metric.WithDescription("Escrows refunded to clients"),
	)
	if err != nil {
		return nil, err
	}
	m.JudgeDuration, err = meter.Float64Histogram("bountyline.judge.duration",
		metric.WithDescription("Advisory evaluation call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordOperation counts one finished operation.
func (m *Metrics) RecordOperation(ctx context.Context, op string, seconds float64, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.OperationTime.Record(ctx, seconds, attrs)
	if err != nil {
		m.OperationErrors.Add(ctx, 1, attrs)
		return
	}
	m.Operations.Add(ctx, 1, attrs)
}

// EscrowMoved adjusts the locked-escrow gauge by delta base units.
func (m *Metrics) EscrowMoved(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.EscrowLocked.Add(ctx, delta)
}

func (m *Metrics) FeeCollected(ctx context.Context, fee uint64) {
	if m == nil || fee == 0 {
		return
	}
	m.FeesCollected.Add(ctx, int64(fee))
}

func (m *Metrics) Refunded(ctx context.Context, amount uint64) {
	if m == nil {
		return
	}
	m.Refunds.Add(ctx, 1)
	m.EscrowLocked.Add(ctx, -int64(amount))
}
