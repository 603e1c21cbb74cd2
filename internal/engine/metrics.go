package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/retrievald/internal/engine"

// Metrics holds engine-level metrics.
type Metrics struct {
	meter            metric.Meter
	logger           *zap.Logger
	retrieveDuration metric.Float64Histogram
	ingests          metric.Int64Counter
	cacheLookups     metric.Int64Counter
}

// NewMetrics creates a new Metrics instance for the engine.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.retrieveDuration, err = m.meter.Float64Histogram(
		"retrievald.engine.retrieve_duration_seconds",
		metric.WithDescription("Duration of retrieval operations in seconds, labeled by mode"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create retrieve duration histogram", zap.Error(err))
	}

	m.ingests, err = m.meter.Int64Counter(
		"retrievald.engine.ingests_total",
		metric.WithDescription("Total document ingests by status"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		m.logger.Warn("failed to create ingests counter", zap.Error(err))
	}

	m.cacheLookups, err = m.meter.Int64Counter(
		"retrievald.engine.cache_lookups_total",
		metric.WithDescription("Retrieval cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		m.logger.Warn("failed to create cache lookups counter", zap.Error(err))
	}
}

// RecordRetrieve records a retrieval's duration.
func (m *Metrics) RecordRetrieve(ctx context.Context, mode Mode, duration time.Duration) {
	if m.retrieveDuration != nil {
		m.retrieveDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("mode", string(mode))))
	}
}

// RecordIngest records an ingest attempt.
func (m *Metrics) RecordIngest(ctx context.Context, err error) {
	if m.ingests == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ingests.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordCacheLookup records a retrieval cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
