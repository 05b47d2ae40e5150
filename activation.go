package inferz

import (
	"sync"
	"sync/atomic"
)

// EventKind distinguishes activation from deactivation.
type EventKind uint8

const (
	// Activate marks a span becoming the current span on a thread.
	Activate EventKind = iota + 1
	// Deactivate marks the current span of a thread going out of scope.
	Deactivate
)

// String returns the string representation of the kind.
func (k EventKind) String() string {
	switch k {
	case Activate:
		return "activate"
	case Deactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

// EncodedContext is the 33-byte form of a TraceContext.
type EncodedContext [TraceContextSize]byte

// Decode writes the encoded context into dst.
func (e *EncodedContext) Decode(dst *TraceContext) {
	dst.Decode(e[:], 0)
}

// ActivationEvent records a span activation or deactivation on one thread.
// For deactivations Context holds the span that went out of scope.
type ActivationEvent struct {
	ThreadID  int64
	Timestamp int64
	Kind      EventKind
	Context   EncodedContext
}

// ActivationBatch is the result of draining an ActivationLog.
// Initial holds the contexts active before Events[0], outermost first.
type ActivationBatch struct {
	Initial []EncodedContext
	Events  []ActivationEvent
}

// ActivationLog is a bounded FIFO of activation events owned by a single
// application thread and drained by the profiler.
//
// Appends never block on the reader for longer than a copy into the ring
// and never allocate once the nesting depth has been seen. When the ring is
// full the oldest unread event is overwritten.
type ActivationLog struct {
	clock    MonotonicClock
	events   []ActivationEvent
	stack    []EncodedContext // producer view of the active spans
	threadID int64
	mask     uint64
	head     uint64 // next write
	tail     uint64 // next read
	dropped  atomic.Uint64
	orphaned atomic.Uint64
	mu       sync.Mutex

	// Guarded by mu. A retired log accepts no events.
	retired  bool
	lastHead uint64
	idle     int
}

// NewActivationLog creates a log holding up to capacity unread events,
// rounded up to a power of two.
func NewActivationLog(threadID int64, capacity int, clock MonotonicClock) *ActivationLog {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &ActivationLog{
		clock:    clock,
		threadID: threadID,
		events:   make([]ActivationEvent, size),
		stack:    make([]EncodedContext, 0, 16),
		mask:     uint64(size - 1),
	}
}

// ThreadID returns the owning thread.
func (l *ActivationLog) ThreadID() int64 {
	return l.threadID
}

// RecordActivate appends an activation of ctx. It returns false, recording
// nothing, once the log has been retired.
func (l *ActivationLog) RecordActivate(ctx *TraceContext) bool {
	var enc EncodedContext
	ctx.Encode(enc[:], 0)
	now := l.clock.NanoTime()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	l.stack = append(l.stack, enc)
	l.appendLocked(now, Activate, &enc)
	return true
}

// RecordDeactivate appends a deactivation of the innermost active span.
// A deactivation without a matching activation is counted and ignored.
// It returns false, recording nothing, once the log has been retired.
func (l *ActivationLog) RecordDeactivate() bool {
	now := l.clock.NanoTime()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false
	}
	n := len(l.stack)
	if n == 0 {
		l.orphaned.Add(1)
		return true
	}
	enc := l.stack[n-1]
	l.stack = l.stack[:n-1]
	l.appendLocked(now, Deactivate, &enc)
	return true
}

func (l *ActivationLog) appendLocked(ts int64, kind EventKind, enc *EncodedContext) {
	if l.head-l.tail > l.mask {
		// Full: overwrite the oldest unread event.
		l.tail++
		l.dropped.Add(1)
	}
	e := &l.events[l.head&l.mask]
	e.ThreadID = l.threadID
	e.Timestamp = ts
	e.Kind = kind
	e.Context = *enc
	l.head++
}

// Drain moves all unread events into batch, in the order they were
// recorded, and reconstructs the stack that was active before the first of
// them. The slices of batch are reused.
func (l *ActivationLog) Drain(batch *ActivationBatch) {
	batch.Events = batch.Events[:0]
	batch.Initial = batch.Initial[:0]

	l.mu.Lock()
	batch.Initial = append(batch.Initial, l.stack...)
	for ; l.tail < l.head; l.tail++ {
		batch.Events = append(batch.Events, l.events[l.tail&l.mask])
	}
	l.mu.Unlock()

	// Walk back from the current stack to the one preceding Events[0].
	for i := len(batch.Events) - 1; i >= 0; i-- {
		e := &batch.Events[i]
		switch e.Kind {
		case Activate:
			if n := len(batch.Initial); n > 0 {
				batch.Initial = batch.Initial[:n-1]
			}
		case Deactivate:
			batch.Initial = append(batch.Initial, e.Context)
		}
	}
}

// Depth returns the number of spans currently active on the thread.
func (l *ActivationLog) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stack)
}

// retireIfIdle retires the log once it has had no active span and no new
// event for the given number of consecutive calls. A retired log is empty.
func (l *ActivationLog) retireIfIdle(windows int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return true
	}
	if len(l.stack) > 0 || l.head != l.tail || l.head != l.lastHead {
		l.lastHead = l.head
		l.idle = 0
		return false
	}
	l.idle++
	if l.idle < windows {
		return false
	}
	l.retired = true
	return true
}

// Dropped returns how many events were overwritten before being read.
func (l *ActivationLog) Dropped() uint64 {
	return l.dropped.Load()
}

// Orphaned returns how many deactivations had no matching activation.
func (l *ActivationLog) Orphaned() uint64 {
	return l.orphaned.Load()
}

// ActivationLogs holds one ActivationLog per application thread.
// Safe for concurrent use.
type ActivationLogs struct {
	clock    MonotonicClock
	logs     sync.Map // int64 -> *ActivationLog
	capacity int
}

// NewActivationLogs creates a registry whose logs hold capacity events.
func NewActivationLogs(capacity int, clock MonotonicClock) *ActivationLogs {
	return &ActivationLogs{clock: clock, capacity: capacity}
}

// For returns the log of threadID, creating it on first use.
func (r *ActivationLogs) For(threadID int64) *ActivationLog {
	if v, ok := r.logs.Load(threadID); ok {
		return v.(*ActivationLog)
	}
	v, _ := r.logs.LoadOrStore(threadID, NewActivationLog(threadID, r.capacity, r.clock))
	return v.(*ActivationLog)
}

// RecordActivate records an activation of ctx on threadID, replacing the
// thread's log if it was retired concurrently.
func (r *ActivationLogs) RecordActivate(threadID int64, ctx *TraceContext) {
	for {
		log := r.For(threadID)
		if log.RecordActivate(ctx) {
			return
		}
		r.logs.CompareAndDelete(threadID, log)
	}
}

// RecordDeactivate records a deactivation on threadID.
func (r *ActivationLogs) RecordDeactivate(threadID int64) {
	for {
		log := r.For(threadID)
		if log.RecordDeactivate() {
			return
		}
		r.logs.CompareAndDelete(threadID, log)
	}
}

// Len returns the number of registered logs.
func (r *ActivationLogs) Len() int {
	n := 0
	r.logs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ReleaseIdle retires and removes the logs that have been idle for the given
// number of consecutive calls, passing each one to fn before removal.
// Goroutine ids are never reused, so the logs of exited goroutines would
// otherwise be kept forever.
func (r *ActivationLogs) ReleaseIdle(windows int, fn func(log *ActivationLog)) int {
	released := 0
	r.logs.Range(func(k, v any) bool {
		log := v.(*ActivationLog)
		if !log.retireIfIdle(windows) {
			return true
		}
		if fn != nil {
			fn(log)
		}
		r.logs.CompareAndDelete(k, log)
		released++
		return true
	})
	return released
}

// Range calls fn for every registered log.
func (r *ActivationLogs) Range(fn func(log *ActivationLog) bool) {
	r.logs.Range(func(_, v any) bool {
		return fn(v.(*ActivationLog))
	})
}

// Forget removes the log of a thread that no longer exists.
func (r *ActivationLogs) Forget(threadID int64) {
	r.logs.Delete(threadID)
}
