package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the consultd instruments.
type Metrics struct {
	Turns              metric.Int64Counter
	TurnDuplicates     metric.Int64Counter
	TurnFailures       metric.Int64Counter
	TurnDuration       metric.Float64Histogram
	Compactions        metric.Int64Counter
	CompactionFailures metric.Int64Counter
	CompactionBatch    metric.Int64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Turns, err = meter.Int64Counter("consultd.turns",
		metric.WithDescription("Turns answered and stored"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuplicates, err = meter.Int64Counter("consultd.turn.duplicates",
		metric.WithDescription("Inbound messages dropped as duplicates"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnFailures, err = meter.Int64Counter("consultd.turn.failures",
		metric.WithDescription("Turns that ended with an error, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("consultd.turn.duration",
		metric.WithDescription("Turn latency from receipt to stored reply"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("consultd.compactions",
		metric.WithDescription("Summary versions written"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionFailures, err = meter.Int64Counter("consultd.compaction.failures",
		metric.WithDescription("Compaction attempts that left the summary unchanged"),
	)
	if err != nil {
		return nil, err
	}

	m.CompactionBatch, err = meter.Int64Histogram("consultd.compaction.batch",
		metric.WithDescription("Messages folded per compaction"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
