package inferz

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/trace"
)

// MonotonicClock returns the current monotonic reading in nanoseconds.
type MonotonicClock interface {
	NanoTime() int64
}

// NanoClock is the monotonic clock shared by activation logs and stack
// samplers, plus the anchors translating its readings to epoch time.
type NanoClock interface {
	MonotonicClock
	// GetAnchor returns the clock anchor of a started span.
	GetAnchor(sc trace.SpanContext) (int64, bool)
	// ToEpochNanos converts a monotonic reading using anchor.
	ToEpochNanos(anchor, nanoTime int64) int64
	// PeriodicCleanup drops anchors of ended spans.
	PeriodicCleanup() int
}

// AnchoredSpan is the view of a starting span needed to anchor it.
// sdktrace.ReadWriteSpan satisfies it.
type AnchoredSpan interface {
	SpanContext() trace.SpanContext
	StartTime() time.Time
}

// spanKey identifies a span without referencing the span itself.
type spanKey struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

func keyOf(sc trace.SpanContext) spanKey {
	return spanKey{traceID: sc.TraceID(), spanID: sc.SpanID()}
}

type anchorEntry struct {
	anchor int64
	ended  atomic.Bool
}

// SpanAnchoredClock maintains per-span clock anchors such that
// epochNanos = nanoTime + anchor.
//
// Entries are keyed by span identity, never by the span object, so the map
// cannot extend a span's lifetime. Ended spans are flagged by OnSpanEnd and
// purged by PeriodicCleanup on the profiler's schedule.
type SpanAnchoredClock struct {
	clock   clockz.Clock
	base    time.Time
	anchors sync.Map // spanKey -> *anchorEntry
	ended   atomic.Int64
}

// NewSpanAnchoredClock creates an anchor service reading time from clock.
func NewSpanAnchoredClock(clock clockz.Clock) *SpanAnchoredClock {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &SpanAnchoredClock{
		clock: clock,
		base:  clock.Now(),
	}
}

// NanoTime returns nanoseconds elapsed since the clock was created.
func (c *SpanAnchoredClock) NanoTime() int64 {
	return c.clock.Since(c.base).Nanoseconds()
}

// OnSpanStart establishes the anchor of span. A child whose parent is
// anchored inherits the parent's anchor unchanged; otherwise the anchor is
// derived from the span's start time, its latency so far and the current
// monotonic reading.
func (c *SpanAnchoredClock) OnSpanStart(span AnchoredSpan, parent trace.SpanContext) {
	sc := span.SpanContext()
	if !sc.IsValid() {
		return
	}
	if parent.IsValid() {
		if v, ok := c.anchors.Load(keyOf(parent)); ok {
			c.store(sc, v.(*anchorEntry).anchor)
			return
		}
	}
	start := span.StartTime()
	latency := c.clock.Since(start).Nanoseconds()
	c.store(sc, start.UnixNano()-latency-c.NanoTime())
}

func (c *SpanAnchoredClock) store(sc trace.SpanContext, anchor int64) {
	e := &anchorEntry{anchor: anchor}
	c.anchors.Store(keyOf(sc), e)
}

// OnSpanEnd marks the anchor of sc for removal by the next cleanup.
func (c *SpanAnchoredClock) OnSpanEnd(sc trace.SpanContext) {
	if v, ok := c.anchors.Load(keyOf(sc)); ok {
		if v.(*anchorEntry).ended.CompareAndSwap(false, true) {
			c.ended.Add(1)
		}
	}
}

// GetAnchor returns the anchor of sc. A missing anchor for an active span
// means the span never passed through OnSpanStart.
func (c *SpanAnchoredClock) GetAnchor(sc trace.SpanContext) (int64, bool) {
	v, ok := c.anchors.Load(keyOf(sc))
	if !ok {
		return 0, false
	}
	return v.(*anchorEntry).anchor, true
}

// ToEpochNanos returns nanoTime + anchor.
func (*SpanAnchoredClock) ToEpochNanos(anchor, nanoTime int64) int64 {
	return nanoTime + anchor
}

// PeriodicCleanup removes anchors of ended spans and returns how many were
// purged. It skips the scan entirely when nothing has ended.
func (c *SpanAnchoredClock) PeriodicCleanup() int {
	if c.ended.Load() == 0 {
		return 0
	}
	purged := 0
	c.anchors.Range(func(k, v any) bool {
		if v.(*anchorEntry).ended.Load() && c.anchors.CompareAndDelete(k, v) {
			purged++
		}
		return true
	})
	c.ended.Add(int64(-purged))
	return purged
}

// Len returns the number of anchors currently held.
func (c *SpanAnchoredClock) Len() int {
	n := 0
	c.anchors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
