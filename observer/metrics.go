package observer

import (
	"context"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/metric"
)

// ObservedMetrics tees per-request completion metrics into OTEL
// histograms while still writing them through to the database store.
type ObservedMetrics struct {
	inner loom.MetricsStore
	inst  *Instruments
}

// WrapMetrics returns a metrics store that also records latency and
// TTFT histograms. inner may be nil when no database store is wired.
func WrapMetrics(inner loom.MetricsStore, inst *Instruments) *ObservedMetrics {
	return &ObservedMetrics{inner: inner, inst: inst}
}

func (o *ObservedMetrics) WriteCompletionMetrics(ctx context.Context, m loom.CompletionMetrics) error {
	attrs := metric.WithAttributes(
		AttrLLMModel.String(m.Model),
		AttrLLMProvider.String(m.ProviderType),
		AttrStatus.String(m.Status),
	)
	o.inst.CompletionLatency.Record(ctx, float64(m.LatencyMs), attrs)
	if m.TTFTMs > 0 {
		o.inst.TTFT.Record(ctx, float64(m.TTFTMs), attrs)
	}
	if o.inner == nil {
		return nil
	}
	return o.inner.WriteCompletionMetrics(ctx, m)
}
