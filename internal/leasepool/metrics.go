package leasepool

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type poolMetrics struct {
	dialCount    metric.Int64Counter
	dialDuration metric.Int64Histogram
	entriesGauge metric.Int64ObservableGauge
	leasesGauge  metric.Int64ObservableGauge
	leases       atomic.Int64
}

func newPoolMetrics(logger pslog.Logger, pool *Pool) *poolMetrics {
	meter := otel.Meter("pkt.systems/xmldb/leasepool")
	m := &poolMetrics{}
	var err error

	m.dialCount, err = meter.Int64Counter(
		"xmldb.leasepool.dial",
		metric.WithDescription("RPC clients dialed for the lease pool"),
	)
	logMetricInitError(logger, "xmldb.leasepool.dial", err)

	m.dialDuration, err = meter.Int64Histogram(
		"xmldb.leasepool.dial.duration_ms",
		metric.WithDescription("Time spent building a pooled RPC client"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xmldb.leasepool.dial.duration_ms", err)

	m.entriesGauge, err = meter.Int64ObservableGauge(
		"xmldb.leasepool.entries",
		metric.WithDescription("Live pooled RPC clients"),
	)
	logMetricInitError(logger, "xmldb.leasepool.entries", err)

	m.leasesGauge, err = meter.Int64ObservableGauge(
		"xmldb.leasepool.leases",
		metric.WithDescription("Outstanding leases across all pooled clients"),
	)
	logMetricInitError(logger, "xmldb.leasepool.leases", err)

	if m.entriesGauge != nil && m.leasesGauge != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.entriesGauge, int64(pool.Stats().Entries))
			o.ObserveInt64(m.leasesGauge, m.leases.Load())
			return nil
		}, m.entriesGauge, m.leasesGauge); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "xmldb.leasepool.entries", "error", err)
		}
	}
	return m
}

func (m *poolMetrics) recordDial(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(attribute.String("xmldb.leasepool.result", metricResultLabel(err)))
	if m.dialCount != nil {
		m.dialCount.Add(ctx, 1, attrs)
	}
	if m.dialDuration != nil {
		m.dialDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
