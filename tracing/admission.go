package tracing

import (
	"context"

	"github.com/lym-ifae/Sentinel/contextx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Name and attribute keys of the pacing span event.
const (
	AdmissionEvent = "sentinel.pacing"
	AdmittedKey    = attribute.Key("sentinel.pacing.admitted")
	WaitMillisKey  = attribute.Key("sentinel.pacing.wait_ms")
	GateKey        = attribute.Key("sentinel.pacing.gate")
	GroupKey       = attribute.Key("sentinel.pacing.group")
)

// RecordAdmission adds a pacing event describing a to the span in ctx. It is
// a no-op when ctx carries no recording span.
func RecordAdmission(ctx context.Context, a contextx.Admission, admitted bool) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		AdmittedKey.Bool(admitted),
		WaitMillisKey.Int64(a.Wait.Milliseconds()),
	}
	if a.Gate != "" {
		attrs = append(attrs, GateKey.String(a.Gate))
	}
	if a.Group != "" {
		attrs = append(attrs, GroupKey.String(a.Group))
	}
	span.AddEvent(AdmissionEvent, trace.WithAttributes(attrs...))
}
