package observability

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "actiongate"

// TracingOptions selects where spans are exported.
type TracingOptions struct {
	Enabled        bool
	Output         string
	ServiceVersion string
}

// InitTracing installs a stdout-exporting provider as the global provider and
// returns its shutdown func. When tracing is disabled spans are no-ops.
func InitTracing(opts TracingOptions) (func(context.Context) error, error) {
	if !opts.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	var w io.Writer = os.Stdout
	var closer io.Closer
	if opts.Output != "" && opts.Output != "stdout" {
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	tp, err := NewTracerProvider(exporter, opts.ServiceVersion)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if closer != nil {
			_ = closer.Close()
		}
		return err
	}, nil
}

// NewTracerProvider builds a provider exporting synchronously to exporter.
func NewTracerProvider(exporter sdktrace.SpanExporter, version string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", tracerName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
