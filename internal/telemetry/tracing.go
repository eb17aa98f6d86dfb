package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/shaiso/Preingest"

// TracingConfig — настройки трассировки.
type TracingConfig struct {
	// Endpoint — OTLP HTTP endpoint (host:port). Пустой — трассировка выключена.
	Endpoint string

	// Insecure — без TLS.
	Insecure bool

	// SampleRate — доля семплируемых trace (0..1, default: 1).
	SampleRate float64

	// ServiceName — имя сервиса в resource.
	ServiceName string
}

// SetupTracing настраивает глобальный TracerProvider.
//
// Без Endpoint остаётся no-op провайдер по умолчанию.
// Возвращает функцию shutdown, которую нужно вызвать при остановке.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartSpan начинает span от глобального провайдера.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Ключи атрибутов span'ов.
const (
	AttrStepID    = "preingest.step_id"
	AttrRootID    = "preingest.root_id"
	AttrTaskID    = "preingest.task_id"
	AttrAttemptID = "preingest.attempt_id"
	AttrHandler   = "preingest.handler"
	AttrStatus    = "preingest.status"
)
