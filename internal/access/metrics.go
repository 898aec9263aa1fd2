package access

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type accessMetrics struct {
	txnCount    metric.Int64Counter
	txnDuration metric.Int64Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *accessMetrics
)

func sharedMetrics(logger pslog.Logger) *accessMetrics {
	metricsOnce.Do(func() {
		metricsInst = newAccessMetrics(logger)
	})
	return metricsInst
}

func newAccessMetrics(logger pslog.Logger) *accessMetrics {
	meter := otel.Meter("pkt.systems/xmldb/access")
	m := &accessMetrics{}
	var err error

	m.txnCount, err = meter.Int64Counter(
		"xmldb.access.txn",
		metric.WithDescription("Local transactions by outcome"),
	)
	logMetricInitError(logger, "xmldb.access.txn", err)

	m.txnDuration, err = meter.Int64Histogram(
		"xmldb.access.txn.duration_ms",
		metric.WithDescription("Local transaction duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xmldb.access.txn.duration_ms", err)
	return m
}

func (m *accessMetrics) recordOutcome(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("xmldb.access.outcome", outcome))
	if m.txnCount != nil {
		m.txnCount.Add(ctx, 1, attrs)
	}
	if m.txnDuration != nil {
		m.txnDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
