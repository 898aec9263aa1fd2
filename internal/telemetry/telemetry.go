// Package telemetry installs the process-wide OpenTelemetry providers for
// the xmldb server: OTLP trace export, a Prometheus scrape endpoint backed
// by the otel meter provider, optional Go runtime metrics and a pprof
// listener. Library packages only ever talk to the global otel API.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"pkt.systems/pslog"

	"pkt.systems/xmldb/internal/svcfields"
)

// ServiceName is reported as the otel service.name resource attribute.
const ServiceName = "xmldb"

// Options selects what Setup turns on. The zero value disables everything.
type Options struct {
	// OTLPEndpoint is a collector address: host[:port] (gRPC), or a
	// grpc://, grpcs://, http:// or https:// URL.
	OTLPEndpoint string
	// MetricsListen serves /metrics for Prometheus when non-empty.
	MetricsListen string
	// PprofListen serves /debug/pprof when non-empty.
	PprofListen string
	// RuntimeMetrics adds Go runtime metrics to the scrape endpoint.
	RuntimeMetrics bool
}

func (o Options) enabled() bool {
	return strings.TrimSpace(o.OTLPEndpoint) != "" ||
		strings.TrimSpace(o.MetricsListen) != "" ||
		strings.TrimSpace(o.PprofListen) != "" ||
		o.RuntimeMetrics
}

// Bundle holds the installed providers and listeners.
type Bundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	servers        []*http.Server
	listeners      []net.Listener
	metricsAddr    string
	logger         pslog.Logger
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (b *Bundle) MetricsAddr() string {
	if b == nil {
		return ""
	}
	return b.metricsAddr
}

type errorHandler struct {
	logger pslog.Logger
}

func (h errorHandler) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeOnce sync.Once
	runtimeErr  error
)

// Setup installs the providers described by opts. It returns a nil bundle
// when opts enables nothing; Shutdown on a nil bundle is a no-op.
func Setup(ctx context.Context, opts Options, logger pslog.Logger) (*Bundle, error) {
	if !opts.enabled() {
		return nil, nil
	}
	logger = svcfields.WithSubsystem(svcfields.Ensure(logger), "server.telemetry")
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	b := &Bundle{logger: logger}
	fail := func(err error) (*Bundle, error) {
		_ = b.Shutdown(ctx)
		return nil, err
	}

	if endpoint := strings.TrimSpace(opts.OTLPEndpoint); endpoint != "" {
		target, err := resolveTarget(endpoint)
		if err != nil {
			return nil, err
		}
		if b.tracerProvider, err = newTracerProvider(ctx, target, res); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(b.tracerProvider)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "insecure", target.insecure)
	}

	if listen := strings.TrimSpace(opts.MetricsListen); listen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if opts.RuntimeMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: prometheus exporter: %w", err))
		}
		b.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		otel.SetMeterProvider(b.meterProvider)
		if opts.RuntimeMetrics {
			if err := startRuntimeMetrics(b.meterProvider); err != nil {
				return fail(err)
			}
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		addr, err := b.serve(listen, mux, "telemetry.metrics")
		if err != nil {
			return fail(err)
		}
		b.metricsAddr = addr
		logger.Info("telemetry.metrics.enabled", "listen", addr, "runtime", opts.RuntimeMetrics)
	} else if opts.RuntimeMetrics {
		return fail(errors.New("telemetry: runtime metrics require a metrics listen address"))
	}

	if listen := strings.TrimSpace(opts.PprofListen); listen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		addr, err := b.serve(listen, mux, "telemetry.pprof")
		if err != nil {
			return fail(err)
		}
		logger.Info("telemetry.pprof.enabled", "listen", addr)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(errorHandler{logger: logger})
	return b, nil
}

func (b *Bundle) serve(addr string, handler http.Handler, event string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("telemetry: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	b.servers = append(b.servers, srv)
	b.listeners = append(b.listeners, ln)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Warn(event+".serve_error", "error", err)
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown flushes exporters and stops the listeners.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.meterProvider != nil {
		if err := b.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric shutdown: %w", err))
		}
	}
	for _, srv := range b.servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("listener shutdown: %w", err))
		}
	}
	for _, ln := range b.listeners {
		_ = ln.Close()
	}
	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace shutdown: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.logger.Warn("telemetry.shutdown.error", "error", err)
		return err
	}
	b.logger.Debug("telemetry.shutdown.complete")
	return nil
}

type target struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

func newTracerProvider(ctx context.Context, t target, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch t.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(t.endpoint),
			otlptracegrpc.WithTimeout(10 * time.Second),
		}
		if t.insecure {
			opts = append(opts,
				otlptracegrpc.WithInsecure(),
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(t.endpoint),
			otlptracehttp.WithTimeout(10 * time.Second),
		}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if t.path != "" && t.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(t.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", t.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter (%s): %w", t.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}

func startRuntimeMetrics(provider metric.MeterProvider) error {
	runtimeOnce.Do(func() {
		runtimeErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeErr
}

// resolveTarget turns a collector address into an exporter target. A bare
// host defaults to insecure gRPC on 4317; http(s) URLs default to 4318.
func resolveTarget(raw string) (target, error) {
	if !strings.Contains(raw, "://") {
		endpoint := raw
		if !strings.Contains(endpoint, ":") {
			endpoint = net.JoinHostPort(endpoint, "4317")
		}
		return target{protocol: "grpc", endpoint: endpoint, insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	t := target{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	port := "4318"
	switch strings.ToLower(u.Scheme) {
	case "grpc":
		t.protocol, t.insecure, port = "grpc", true, "4317"
	case "grpcs":
		t.protocol, port = "grpc", "4317"
	case "http":
		t.protocol, t.insecure = "http", true
	case "https":
		t.protocol = "http"
	default:
		return target{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if t.endpoint == "" {
		return target{}, errors.New("telemetry: missing endpoint host")
	}
	if u.Port() == "" {
		t.endpoint = net.JoinHostPort(u.Hostname(), port)
	}
	return t, nil
}
