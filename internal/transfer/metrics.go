package transfer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

func tracer() trace.Tracer {
	return otel.Tracer("pkt.systems/xmldb/transfer")
}

type transferMetrics struct {
	chunkCount metric.Int64Counter
	byteCount  metric.Int64Counter
	duration   metric.Int64Histogram
	finalize   metric.Int64Counter
}

var (
	metricsOnce sync.Once
	metricsInst *transferMetrics
)

// sharedMetrics registers the instruments once per process.
func sharedMetrics(logger pslog.Logger) *transferMetrics {
	metricsOnce.Do(func() {
		metricsInst = newTransferMetrics(logger)
	})
	return metricsInst
}

func newTransferMetrics(logger pslog.Logger) *transferMetrics {
	meter := otel.Meter("pkt.systems/xmldb/transfer")
	m := &transferMetrics{}
	var err error

	m.chunkCount, err = meter.Int64Counter(
		"xmldb.transfer.chunks",
		metric.WithDescription("Chunks moved by transfer sessions"),
	)
	logMetricInitError(logger, "xmldb.transfer.chunks", err)

	m.byteCount, err = meter.Int64Counter(
		"xmldb.transfer.bytes",
		metric.WithDescription("Uncompressed bytes moved by transfer sessions"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "xmldb.transfer.bytes", err)

	m.duration, err = meter.Int64Histogram(
		"xmldb.transfer.duration_ms",
		metric.WithDescription("Transfer session duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xmldb.transfer.duration_ms", err)

	m.finalize, err = meter.Int64Counter(
		"xmldb.transfer.finalize",
		metric.WithDescription("Upload finalize calls by negotiated mode"),
	)
	logMetricInitError(logger, "xmldb.transfer.finalize", err)
	return m
}

func (m *transferMetrics) recordTransfer(ctx context.Context, direction string, chunks int, bytes int64, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("xmldb.transfer.direction", direction),
		attribute.String("xmldb.transfer.result", metricResultLabel(err)),
	)
	if m.chunkCount != nil {
		m.chunkCount.Add(ctx, int64(chunks), attrs)
	}
	if m.byteCount != nil {
		m.byteCount.Add(ctx, bytes, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *transferMetrics) recordFinalize(ctx context.Context, mode FinalizeSupport) {
	if m == nil || m.finalize == nil {
		return
	}
	m.finalize.Add(ctx, 1, metric.WithAttributes(attribute.String("xmldb.transfer.finalize_mode", mode.String())))
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
