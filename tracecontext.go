package inferz

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// TraceContextSize is the length of an encoded TraceContext:
// traceIDLow(8) traceIDHigh(8) spanID(8) flags(1) clockAnchor(8).
const TraceContextSize = 8 + 8 + 8 + 1 + 8

// quickCompareSize covers the trace id and span id prefix.
const quickCompareSize = 24

// TraceContext stores the parts of a span context needed to generate
// inferred spans, plus the clock anchor of the span it was taken from.
// It is recyclable: pooled instances are either fully zeroed or fully
// populated.
type TraceContext struct {
	TraceIDLow  uint64
	TraceIDHigh uint64
	SpanID      uint64
	Flags       byte
	ClockAnchor int64
}

// FillFromSpanContext populates c from an OpenTelemetry span context.
func (c *TraceContext) FillFromSpanContext(sc trace.SpanContext, clockAnchor int64) {
	tid := sc.TraceID()
	sid := sc.SpanID()
	c.TraceIDHigh = binary.BigEndian.Uint64(tid[:8])
	c.TraceIDLow = binary.BigEndian.Uint64(tid[8:])
	c.SpanID = binary.BigEndian.Uint64(sid[:])
	c.Flags = byte(sc.TraceFlags())
	c.ClockAnchor = clockAnchor
}

// SpanContext converts c back into a local OpenTelemetry span context.
func (c *TraceContext) SpanContext() trace.SpanContext {
	var tid trace.TraceID
	var sid trace.SpanID
	binary.BigEndian.PutUint64(tid[:8], c.TraceIDHigh)
	binary.BigEndian.PutUint64(tid[8:], c.TraceIDLow)
	binary.BigEndian.PutUint64(sid[:], c.SpanID)
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.TraceFlags(c.Flags),
	})
}

// Encode writes the 33-byte form of c into buffer at offset.
// A buffer too short to hold it is a programming error and panics.
func (c *TraceContext) Encode(buffer []byte, offset int) {
	mustFit(buffer, offset, TraceContextSize)
	b := buffer[offset : offset+TraceContextSize]
	binary.BigEndian.PutUint64(b[0:8], c.TraceIDLow)
	binary.BigEndian.PutUint64(b[8:16], c.TraceIDHigh)
	binary.BigEndian.PutUint64(b[16:24], c.SpanID)
	b[24] = c.Flags
	binary.BigEndian.PutUint64(b[25:33], uint64(c.ClockAnchor))
}

// Decode overwrites c with the context encoded in buffer at offset.
func (c *TraceContext) Decode(buffer []byte, offset int) {
	mustFit(buffer, offset, TraceContextSize)
	b := buffer[offset : offset+TraceContextSize]
	c.TraceIDLow = binary.BigEndian.Uint64(b[0:8])
	c.TraceIDHigh = binary.BigEndian.Uint64(b[8:16])
	c.SpanID = binary.BigEndian.Uint64(b[16:24])
	c.Flags = b[24]
	c.ClockAnchor = int64(binary.BigEndian.Uint64(b[25:33]))
}

// DecodeTraceContext returns the context encoded in buffer at offset.
func DecodeTraceContext(buffer []byte, offset int) TraceContext {
	var c TraceContext
	c.Decode(buffer, offset)
	return c
}

// QuickCompareTraceAndSpanID reports whether the encoded context in buffer
// at offset has the same trace id and span id as other. Only the first 24
// bytes are read.
func QuickCompareTraceAndSpanID(buffer []byte, offset int, other *TraceContext) bool {
	mustFit(buffer, offset, quickCompareSize)
	b := buffer[offset:]
	return other != nil &&
		binary.BigEndian.Uint64(b[0:8]) == other.TraceIDLow &&
		binary.BigEndian.Uint64(b[8:16]) == other.TraceIDHigh &&
		binary.BigEndian.Uint64(b[16:24]) == other.SpanID
}

// IDEquals reports whether both contexts refer to the same span.
func (c *TraceContext) IDEquals(o *TraceContext) bool {
	if o == nil {
		return false
	}
	return c.SpanID == o.SpanID && c.TraceIDLow == o.TraceIDLow && c.TraceIDHigh == o.TraceIDHigh
}

// IsZero reports whether c is in its pooled (free) state.
func (c *TraceContext) IsZero() bool {
	return *c == TraceContext{}
}

// ResetState zeroes every field.
func (c *TraceContext) ResetState() {
	*c = TraceContext{}
}

func (c *TraceContext) String() string {
	sc := c.SpanContext()
	return fmt.Sprintf("%s-%s-%02x(clock-anchor: %d)", sc.TraceID(), sc.SpanID(), c.Flags, c.ClockAnchor)
}

func mustFit(buffer []byte, offset, size int) {
	if offset < 0 || len(buffer)-offset < size {
		panic(fmt.Sprintf("inferz: trace context codec needs %d bytes at offset %d, buffer has %d", size, offset, len(buffer)))
	}
}
