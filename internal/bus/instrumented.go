package bus

import (
	"context"
	"time"
)

// MetricsRecorder receives bus timings. *metrics.Metrics implements it; the
// interface keeps this package free of a metrics import.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
}

// InstrumentedBus times every publish on the wrapped bus. Handlers of
// subscriptions made through it are timed too, under "<topic>.handle".
type InstrumentedBus struct {
	inner   Bus
	metrics MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder disables recording.
func NewInstrumentedBus(inner Bus, metrics MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, metrics: metrics}
}

func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	b.record(topic, start, err)
	return err
}

func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	if b.metrics == nil {
		return b.inner.Subscribe(ctx, topic, handler)
	}
	return b.inner.Subscribe(ctx, topic, func(ctx context.Context, event Event) error {
		start := time.Now()
		err := handler(ctx, event)
		b.record(topic+".handle", start, err)
		return err
	})
}

func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}

func (b *InstrumentedBus) record(label string, start time.Time, err error) {
	if b.metrics != nil {
		b.metrics.RecordBusPublish(label, time.Since(start), err)
	}
}
