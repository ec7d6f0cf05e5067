package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/pkg/logging"
)

// Instruments are created lazily from the global meter provider so that
// Init can install the Prometheus-backed provider first. Before Init (and in
// tests) the global provider is a no-op.
type instruments struct {
	fanoutJobs      metric.Int64Counter
	entriesWritten  metric.Int64Counter
	audienceSize    metric.Int64Histogram
	fanoutDuration  metric.Float64Histogram
	feedReadLatency metric.Float64Histogram
	deadLetters     metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

func load() *instruments {
	instOnce.Do(func() {
		inst = newInstruments(otel.Meter(instrumentationName))
	})
	return &inst
}

// newInstruments creates the instruments on meter. An instrument the meter
// refuses is logged and replaced by a no-op one.
func newInstruments(meter metric.Meter) instruments {
	var (
		ins      instruments
		err      error
		fallback = noop.NewMeterProvider().Meter(instrumentationName)
	)

	if ins.fanoutJobs, err = meter.Int64Counter("feed_fanout_jobs_total",
		metric.WithDescription("Fan-out jobs processed, by outcome")); err != nil {
		instrumentFailed("feed_fanout_jobs_total", err)
		ins.fanoutJobs, _ = fallback.Int64Counter("feed_fanout_jobs_total")
	}
	if ins.entriesWritten, err = meter.Int64Counter("feed_entries_written_total",
		metric.WithDescription("Feed entries upserted by fan-out")); err != nil {
		instrumentFailed("feed_entries_written_total", err)
		ins.entriesWritten, _ = fallback.Int64Counter("feed_entries_written_total")
	}
	if ins.audienceSize, err = meter.Int64Histogram("feed_fanout_audience_size",
		metric.WithDescription("Resolved audience size per fan-out")); err != nil {
		instrumentFailed("feed_fanout_audience_size", err)
		ins.audienceSize, _ = fallback.Int64Histogram("feed_fanout_audience_size")
	}
	if ins.fanoutDuration, err = meter.Float64Histogram("feed_fanout_duration_seconds",
		metric.WithDescription("Wall time of a single post fan-out"), metric.WithUnit("s")); err != nil {
		instrumentFailed("feed_fanout_duration_seconds", err)
		ins.fanoutDuration, _ = fallback.Float64Histogram("feed_fanout_duration_seconds")
	}
	if ins.feedReadLatency, err = meter.Float64Histogram("feed_read_duration_seconds",
		metric.WithDescription("Wall time of a feed page read"), metric.WithUnit("s")); err != nil {
		instrumentFailed("feed_read_duration_seconds", err)
		ins.feedReadLatency, _ = fallback.Float64Histogram("feed_read_duration_seconds")
	}
	if ins.deadLetters, err = meter.Int64Counter("feed_fanout_dead_letters_total",
		metric.WithDescription("Fan-out jobs moved to the dead-letter table")); err != nil {
		instrumentFailed("feed_fanout_dead_letters_total", err)
		ins.deadLetters, _ = fallback.Int64Counter("feed_fanout_dead_letters_total")
	}
	return ins
}

// instrumentFailed logs an instrument the meter refused
func instrumentFailed(name string, err error) {
	logging.GetLogger().Error("Failed to create metric instrument",
		zap.String("instrument", name), zap.Error(err))
}

// RecordFanout records the outcome of one fan-out run.
func RecordFanout(ctx context.Context, outcome string, audience, written int, seconds float64) {
	i := load()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	i.fanoutJobs.Add(ctx, 1, attrs)
	i.entriesWritten.Add(ctx, int64(written))
	i.audienceSize.Record(ctx, int64(audience))
	i.fanoutDuration.Record(ctx, seconds, attrs)
}

// RecordFeedRead records one feed page read.
func RecordFeedRead(ctx context.Context, seconds float64, ok bool) {
	load().feedReadLatency.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordDeadLetter counts a job that exhausted its retries.
func RecordDeadLetter(ctx context.Context, kind string) {
	load().deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
