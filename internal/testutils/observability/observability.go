package observability

import (
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	tnop "go.opentelemetry.io/otel/trace/noop"

	testlogr "github.com/alphabill-org/gpbft/internal/testutils/logger"
)

/*
NOPObservability creates observability implementation where everything is no-op.
Use it for tests for which it absolutely doesn't make sense to create any logs, traces or metrics.
*/
func NOPObservability() *Observability {
	return &Observability{
		log: testlogr.NOP(),
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
	}
}

/*
Default creates observability implementation which logs using test logger,
metrics and traces are no-op.
*/
func Default(t testing.TB) *Observability {
	return &Observability{
		log: testlogr.New(t),
		mp:  noop.NewMeterProvider(),
		tp:  tnop.NewTracerProvider(),
	}
}

/*
WithMetrics creates observability implementation which collects metrics
into manual reader so that test can verify the recorded values (see
CounterValue).
*/
func WithMetrics(t testing.TB) (*Observability, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down meter provider: %v", err)
		}
	})
	return &Observability{
		log: testlogr.New(t),
		mp:  mp,
		tp:  tnop.NewTracerProvider(),
	}, reader
}

/*
WithTracing creates observability implementation which records spans so that
test can verify them, metrics are no-op.
*/
func WithTracing(t testing.TB) (*Observability, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("shutting down tracer provider: %v", err)
		}
	})
	return &Observability{
		log: testlogr.New(t),
		mp:  noop.NewMeterProvider(),
		tp:  tp,
	}, sr
}

type Observability struct {
	log *slog.Logger
	tp  trace.TracerProvider
	mp  metric.MeterProvider
}

func (o *Observability) Logger() *slog.Logger { return o.log }

func (o *Observability) Meter(name string, options ...metric.MeterOption) metric.Meter {
	return o.mp.Meter(name, options...)
}

func (o *Observability) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return o.tp.Tracer(name, options...)
}

func (o *Observability) Shutdown() error { return nil }

/*
CounterValue collects metrics from "reader" and returns sum of all the data
points of the Int64 counter "name" (over all scopes). When "attrs" are given
only the data points having all of them are counted.
*/
func CounterValue(t testing.TB, reader sdkmetric.Reader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					if hasAttributes(dp.Attributes, attrs) {
						total += dp.Value
					}
				}
			}
		}
	}
	return total
}

func hasAttributes(set attribute.Set, attrs []attribute.KeyValue) bool {
	for _, a := range attrs {
		if v, ok := set.Value(a.Key); !ok || v.Type() != a.Value.Type() || v.Emit() != a.Value.Emit() {
			return false
		}
	}
	return true
}
