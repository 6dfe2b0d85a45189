package observer

import (
	"context"
	"time"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedDispatcher wraps a loom.ToolDispatcher with OTEL
// instrumentation. It sees only proxy dispatches that missed both
// cache tiers; cache outcomes are counted by ObservedSink.
type ObservedDispatcher struct {
	inner loom.ToolDispatcher
	inst  *Instruments
}

// WrapDispatcher returns an instrumented tool-proxy dispatcher.
func WrapDispatcher(inner loom.ToolDispatcher, inst *Instruments) *ObservedDispatcher {
	return &ObservedDispatcher{inner: inner, inst: inst}
}

func (o *ObservedDispatcher) CallTool(ctx context.Context, call loom.ProxyCall, auth loom.ProxyAuth) (loom.ProxyResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		AttrToolServer.String(call.Server),
		AttrToolName.String(call.Tool),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.CallTool(ctx, call, auth)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolRequestBytes.Int(result.RequestBytes),
		AttrToolResultBytes.Int(result.ResponseBytes),
	)
	if result.Host != "" {
		span.SetAttributes(AttrToolProxyHost.String(result.Host))
	}

	o.inst.ToolDispatches.Add(ctx, 1, metric.WithAttributes(
		AttrToolServer.String(call.Server),
		AttrToolName.String(call.Tool),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolServer.String(call.Server),
		AttrToolName.String(call.Tool),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool dispatched"))
	rec.AddAttributes(
		otellog.String("tool.server", call.Server),
		otellog.String("tool.name", call.Tool),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_bytes", result.ResponseBytes),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
