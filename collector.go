package inferz

import (
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrCollectorClosed is returned when emitting into a closed collector.
	ErrCollectorClosed = errors.New("collector is closed")
	// ErrCollectorFull is returned when the collector's queue is full.
	ErrCollectorFull = errors.New("collector queue is full")
)

// Collector is a SpanEmitter that buffers inferred spans in memory for
// batch export. Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	spans        []Span
	spansCh      chan Span
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector whose queue holds bufferSize spans.
func NewCollector(bufferSize int) *Collector {
	c := &Collector{
		spans:   make([]Span, 0, 8),
		spansCh: make(chan Span, bufferSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.start()
	return c
}

// start runs the collector's main loop, receiving spans from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining spans before shutdown.
			for {
				select {
				case span := <-c.spansCh:
					c.bufferSpan(&span)
				default:
					return
				}
			}
		case span := <-c.spansCh:
			c.bufferSpan(&span)
		}
	}
}

// Close shuts down the collector, waiting briefly for queued spans.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// EmitSpan records s under a freshly generated span id.
func (c *Collector) EmitSpan(s InferredSpan) (trace.SpanContext, error) {
	if c.closed.Load() {
		c.droppedCount.Add(1)
		return trace.SpanContext{}, ErrCollectorClosed
	}

	cfg := trace.SpanContextConfig{
		TraceID:    s.Parent.TraceID(),
		SpanID:     newSpanID(),
		TraceFlags: s.Parent.TraceFlags(),
	}
	if !cfg.TraceID.IsValid() {
		_, _ = rand.Read(cfg.TraceID[:])
	}
	sc := trace.NewSpanContext(cfg)
	span := newSpanRecord(&s, sc)

	if c.syncMode.Load() {
		c.bufferSpan(&span)
		return sc, nil
	}

	select {
	case c.spansCh <- span:
		return sc, nil
	default:
		// Channel full - drop span to prevent blocking.
		c.droppedCount.Add(1)
		return sc, ErrCollectorFull
	}
}

func newSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// bufferSpan adds a span to the internal buffer.
func (c *Collector) bufferSpan(span *Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, *span)
}

// Export returns all buffered spans and clears the internal buffer.
// The returned slice is safe to modify without affecting the collector.
func (c *Collector) Export() []Span {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.spans) == 0 {
		return nil
	}

	result := make([]Span, len(c.spans))
	copy(result, c.spans)

	if cap(c.spans) > 256 && len(c.spans) < cap(c.spans)/8 {
		newCap := cap(c.spans) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.spans = make([]Span, 0, newCap)
	} else {
		clear(c.spans)
		c.spans = c.spans[:0]
	}

	return result
}

// Count returns the current number of buffered spans.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

// DroppedCount returns the total number of spans dropped.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection, making tests deterministic.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered spans and resets the drop counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.spans)
	c.spans = c.spans[:0]
	c.droppedCount.Store(0)
}
