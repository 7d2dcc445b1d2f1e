package otel

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/consultd/internal/bus"
)

// Instruments turns memory bus events into metric updates.
type Instruments struct {
	m      *Metrics
	logger *slog.Logger
}

func NewInstruments(meter metric.Meter, logger *slog.Logger) (*Instruments, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m, err := NewMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Instruments{m: m, logger: logger}, nil
}

// Run consumes "memory." events until ctx ends. It returns after the
// subscription is removed.
func (i *Instruments) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("memory.")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			i.Record(ctx, ev)
		}
	}
}

// Record applies one bus event.
func (i *Instruments) Record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TurnEvent:
		ch := attribute.String(string(AttrChannelKey), p.ChannelKey)
		switch ev.Topic {
		case bus.TopicTurnCompleted:
			i.m.Turns.Add(ctx, 1, metric.WithAttributes(ch, attribute.Bool("degraded", p.Degraded)))
			i.m.TurnDuration.Record(ctx, (time.Duration(p.DurationMs) * time.Millisecond).Seconds(), metric.WithAttributes(ch))
		case bus.TopicTurnDuplicate:
			i.m.TurnDuplicates.Add(ctx, 1, metric.WithAttributes(ch))
		case bus.TopicTurnFailed:
			i.m.TurnFailures.Add(ctx, 1, metric.WithAttributes(ch, attribute.String("kind", p.ErrorKind)))
		}
	case bus.CompactionEvent:
		ch := attribute.String(string(AttrChannelKey), p.ChannelKey)
		switch ev.Topic {
		case bus.TopicCompactionDone:
			i.m.Compactions.Add(ctx, 1, metric.WithAttributes(ch))
			i.m.CompactionBatch.Record(ctx, int64(p.BatchSize), metric.WithAttributes(ch))
		case bus.TopicCompactionFailed:
			i.m.CompactionFailures.Add(ctx, 1, metric.WithAttributes(ch))
		}
	default:
		i.logger.Debug("instruments: ignoring event", "topic", ev.Topic)
	}
}
