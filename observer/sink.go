package observer

import (
	"context"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ObservedSink wraps a loom.Sink and counts pipeline outcomes as
// events pass through: completions by status, cache hits by tier, and
// provider failovers. It adds no latency beyond a counter bump and
// never alters the event stream.
type ObservedSink struct {
	inner loom.Sink
	inst  *Instruments
}

// WrapSink returns a sink that records metrics for the events it
// forwards.
func WrapSink(inner loom.Sink, inst *Instruments) *ObservedSink {
	return &ObservedSink{inner: inner, inst: inst}
}

func (o *ObservedSink) Emit(ev loom.Event) {
	// Metric contexts are background on purpose: the request context
	// may already be cancelled when terminal events flow.
	ctx := context.Background()
	switch ev.Type {
	case loom.EventToolCacheHit:
		o.inst.CacheLookups.Add(ctx, 1, metric.WithAttributes(
			AttrCacheTier.String("exact"),
			AttrCacheOutcome.String("hit"),
		))
	case loom.EventToolSemanticCacheHit:
		o.inst.CacheLookups.Add(ctx, 1, metric.WithAttributes(
			AttrCacheTier.String("semantic"),
			AttrCacheOutcome.String("hit"),
		))
	case loom.EventToolExecuting:
		// A live execution means both tiers missed.
		o.inst.CacheLookups.Add(ctx, 1, metric.WithAttributes(
			AttrCacheTier.String("both"),
			AttrCacheOutcome.String("miss"),
		))
	case loom.EventProviderFailover:
		o.inst.Failovers.Add(ctx, 1)
	case loom.EventCompletionComplete:
		o.inst.Completions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", "complete"),
		))
	case loom.EventCompletionError:
		o.inst.Completions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", "error"),
		))
	}
	o.inner.Emit(ev)
}

func (o *ObservedSink) OnCancel(fn func()) { o.inner.OnCancel(fn) }
func (o *ObservedSink) Cancel()            { o.inner.Cancel() }
func (o *ObservedSink) Close()             { o.inner.Close() }
