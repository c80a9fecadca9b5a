package tracing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer used by the pipeline
const InstrumentationName = "github.com/amaumene/ytgrab"

// Setup installs the global tracer provider. When disabled a no-op provider
// is used. The returned function flushes and stops the provider.
func Setup(enabled bool, logger *logrus.Logger) (trace.TracerProvider, func(context.Context) error) {
	if !enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "ytgrab"),
		)),
		sdktrace.WithSpanProcessor(NewLogProcessor(logger)),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown
}

// LogProcessor writes finished spans to the logger
type LogProcessor struct {
	logger *logrus.Logger
}

// NewLogProcessor creates a span processor logging at debug level, or at
// warn level for spans that ended in error
func NewLogProcessor(logger *logrus.Logger) *LogProcessor {
	return &LogProcessor{logger: logger}
}

func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := logrus.Fields{
		"span":     s.Name(),
		"trace_id": s.SpanContext().TraceID().String(),
		"duration": s.EndTime().Sub(s.StartTime()).Round(time.Millisecond).String(),
	}
	for _, kv := range s.Attributes() {
		fields[string(kv.Key)] = kv.Value.Emit()
	}

	entry := p.logger.WithFields(fields)
	if s.Status().Code == codes.Error {
		entry.WithField("status", s.Status().Description).Warn("Span failed")
		return
	}
	entry.Debug("Span finished")
}

func (p *LogProcessor) Shutdown(context.Context) error   { return nil }
func (p *LogProcessor) ForceFlush(context.Context) error { return nil }
