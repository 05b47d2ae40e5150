package inferz

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// spanContext builds a sampled local span context with recognizable ids.
func spanContext(traceByte, spanByte byte) trace.SpanContext {
	var tid trace.TraceID
	var sid trace.SpanID
	for i := range tid {
		tid[i] = traceByte
	}
	sid[7] = spanByte
	sid[0] = 0x10
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}

func traceContext(traceByte, spanByte byte, anchor int64) TraceContext {
	var tc TraceContext
	tc.FillFromSpanContext(spanContext(traceByte, spanByte), anchor)
	return tc
}

func encode(tc TraceContext) EncodedContext {
	var enc EncodedContext
	tc.Encode(enc[:], 0)
	return enc
}

// startedSpan satisfies AnchoredSpan.
type startedSpan struct {
	start time.Time
	sc    trace.SpanContext
}

func (s startedSpan) SpanContext() trace.SpanContext { return s.sc }
func (s startedSpan) StartTime() time.Time { return s.start }

// manualClock is a MonotonicClock set by hand.
type manualClock struct{ now int64 }

func (c *manualClock) NanoTime() int64 { return c.now }

// fixedAnchors is a NanoClock with a constant anchor for every span.
type fixedAnchors struct {
	manualClock
	anchor int64
}

func (c *fixedAnchors) GetAnchor(trace.SpanContext) (int64, bool) { return c.anchor, true }
func (*fixedAnchors) ToEpochNanos(anchor, nanoTime int64) int64 { return nanoTime + anchor }
func (*fixedAnchors) PeriodicCleanup() int { return 0 }
