package inferz

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Processor is the span processor that feeds the profiler: it anchors every
// starting span to the profiler's clock and expires the anchor when the span
// ends. Register it on the SDK tracer provider whose spans should get
// inferred children.
type Processor struct {
	profiler *Profiler
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// NewProcessor creates a processor for profiler.
func NewProcessor(profiler *Profiler) *Processor {
	return &Processor{profiler: profiler}
}

// OnStart anchors s. Inferred spans are skipped.
func (p *Processor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	if s.InstrumentationScope().Name == TracerName {
		return
	}
	p.profiler.anchors.OnSpanStart(s, trace.SpanContextFromContext(parent))
}

// OnEnd marks the anchor of s for cleanup.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.InstrumentationScope().Name == TracerName {
		return
	}
	p.profiler.anchors.OnSpanEnd(s.SpanContext())
}

// Shutdown stops the profiler.
func (p *Processor) Shutdown(ctx context.Context) error {
	return p.profiler.Stop(ctx)
}

// ForceFlush is a no-op: inferred spans are flushed per window.
func (*Processor) ForceFlush(context.Context) error {
	return nil
}
