package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/jdiitm/delayq/internal/domain"
)

const serviceName = "delayq"

var tracer trace.Tracer

type Option func(*config)

type config struct {
	exporter sdktrace.SpanExporter
	endpoint string
}

func WithTestExporter() Option {
	return func(c *config) {
		c.exporter = noopExporter{}
	}
}

func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(c *config) {
		c.exporter = exp
	}
}

// WithEndpoint sets the OTLP gRPC collector address. It is ignored when
// an exporter is supplied.
func WithEndpoint(endpoint string) Option {
	return func(c *config) {
		c.endpoint = endpoint
	}
}

func Init(opts ...Option) (*sdktrace.TracerProvider, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	if cfg.exporter == nil {
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		exp, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		cfg.exporter = exp
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(cfg.exporter),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(serviceName)
	return tp, nil
}

func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(serviceName)
	}
	return tracer
}

func StartFetchSpan(ctx context.Context, lane string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "delay.fetch",
		trace.WithAttributes(
			attribute.String("delay.lane", lane),
		),
	)
}

func StartDispatchSpan(ctx context.Context, rec domain.Record, dueAt time.Time) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "delay.dispatch",
		trace.WithAttributes(
			attribute.String("record.topic", rec.Topic),
			attribute.Int64("record.partition", int64(rec.Partition)),
			attribute.Int64("record.offset", rec.Offset),
			attribute.Int64("delay.due_unix_ms", dueAt.UnixMilli()),
		),
	)
}

func StartCommitSpan(ctx context.Context, partitions int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "delay.commit",
		trace.WithAttributes(
			attribute.Int64("commit.partitions", int64(partitions)),
		),
	)
}

func StartPublishSpan(ctx context.Context, rec domain.Record) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "delay.publish",
		trace.WithAttributes(
			attribute.String("record.topic", rec.Topic),
			attribute.String("record.message_id", rec.Header(domain.HeaderMessageID)),
			attribute.String("delay.ms", rec.Header(domain.HeaderDelay)),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// End closes span, marking it failed when err is non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type noopExporter struct{}

func (noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error { return nil }
