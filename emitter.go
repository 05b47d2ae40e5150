package inferz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of inferred spans. The span
// processor ignores spans started under it.
const TracerName = "github.com/zoobzio/inferz"

// SpanEmitter turns a surviving candidate into a span.
// Implementations must be safe for concurrent use: threads are correlated
// in parallel.
type SpanEmitter interface {
	EmitSpan(span InferredSpan) (trace.SpanContext, error)
}

// OTelEmitter emits inferred spans through an OpenTelemetry tracer.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter using the TracerName tracer of tp.
func NewOTelEmitter(tp trace.TracerProvider) *OTelEmitter {
	return &OTelEmitter{tracer: tp.Tracer(TracerName)}
}

// EmitSpan starts and ends a span with the candidate's epoch timestamps.
func (e *OTelEmitter) EmitSpan(s InferredSpan) (trace.SpanContext, error) {
	if !s.Parent.IsValid() {
		return trace.SpanContext{}, fmt.Errorf("inferred span %q has no valid parent", s.Name)
	}
	ctx := trace.ContextWithSpanContext(context.Background(), s.Parent)
	_, span := e.tracer.Start(ctx, s.Name,
		trace.WithTimestamp(s.Start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(s.Attributes...),
		trace.WithLinks(s.Links...),
	)
	span.End(trace.WithTimestamp(s.End))
	return span.SpanContext(), nil
}

// SpanHandler is called with every successfully emitted span.
type SpanHandler func(span Span)

type handlerEntry struct {
	handler SpanHandler
	id      uint64
	async   bool
}

// Emitter wraps a SpanEmitter with panic recovery and fans emitted spans
// out to registered handlers. Safe for concurrent use by multiple
// goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Emitter struct {
	next         SpanEmitter
	handlers     []handlerEntry
	panicHook    func(handlerID uint64, r interface{})
	workers      *workerPool
	handlersLock sync.RWMutex
	nextID       atomic.Uint64
	emitted      atomic.Uint64
	failed       atomic.Uint64
	droppedSpans atomic.Uint64
}

// NewEmitter wraps next.
func NewEmitter(next SpanEmitter) *Emitter {
	return &Emitter{
		next:     next,
		handlers: make([]handlerEntry, 0),
	}
}

// EmitSpan forwards s to the wrapped emitter. A panic in the wrapped emitter
// is reported through the panic hook (handler id 0) and returned as
// ErrEmitterPanic.
func (e *Emitter) EmitSpan(s InferredSpan) (sc trace.SpanContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e.panicHook != nil {
				e.panicHook(0, r)
			}
			sc, err = trace.SpanContext{}, fmt.Errorf("%w: %v", ErrEmitterPanic, r)
		}
		if err != nil {
			e.failed.Add(1)
		}
	}()

	sc, err = e.next.EmitSpan(s)
	if err != nil {
		return sc, err
	}
	e.emitted.Add(1)
	e.executeHandlers(&s, sc)
	return sc, nil
}

// OnSpanEmitted registers a synchronous handler.
func (e *Emitter) OnSpanEmitted(handler SpanHandler) uint64 {
	return e.registerHandler(handler, false)
}

// OnSpanEmittedAsync registers a handler run on the worker pool, or on its
// own goroutine when no pool is enabled.
func (e *Emitter) OnSpanEmittedAsync(handler SpanHandler) uint64 {
	return e.registerHandler(handler, true)
}

func (e *Emitter) registerHandler(handler SpanHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := e.nextID.Add(1)

	e.handlersLock.Lock()
	defer e.handlersLock.Unlock()

	e.handlers = append(e.handlers, handlerEntry{
		id:      id,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (e *Emitter) RemoveHandler(id uint64) {
	e.handlersLock.Lock()
	defer e.handlersLock.Unlock()

	// Preserve order
	for i, h := range e.handlers {
		if h.id == id {
			copy(e.handlers[i:], e.handlers[i+1:])
			e.handlers = e.handlers[:len(e.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function called when a handler or the wrapped
// emitter panics.
func (e *Emitter) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	e.panicHook = hook
}

func (e *Emitter) executeHandlers(s *InferredSpan, sc trace.SpanContext) {
	e.handlersLock.RLock()
	if len(e.handlers) == 0 {
		e.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, len(e.handlers))
	copy(handlers, e.handlers)
	workers := e.workers
	e.handlersLock.RUnlock()

	span := newSpanRecord(s, sc)
	for _, h := range handlers {
		if h.async {
			entry := h
			if workers != nil {
				workers.submit(func() {
					e.safeCall(entry, span)
				})
			} else {
				go e.safeCall(entry, span)
			}
		} else {
			e.safeCall(h, span)
		}
	}
}

func (e *Emitter) safeCall(entry handlerEntry, span Span) {
	defer func() {
		if r := recover(); r != nil {
			if e.panicHook != nil {
				e.panicHook(entry.id, r)
			}
		}
	}()
	entry.handler(span)
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (e *Emitter) EnableWorkerPool(workers, queueSize int) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	e.handlersLock.Lock()
	defer e.handlersLock.Unlock()
	if e.workers != nil {
		return errors.New("worker pool already enabled")
	}
	e.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &e.droppedSpans,
	}

	e.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.workers.run()
	}

	return nil
}

// Emitted returns the number of spans emitted successfully.
func (e *Emitter) Emitted() uint64 { return e.emitted.Load() }

// Failed returns the number of emissions that returned an error or panicked.
func (e *Emitter) Failed() uint64 { return e.failed.Load() }

// DroppedSpans returns the number of async handler calls dropped on a full
// worker queue.
func (e *Emitter) DroppedSpans() uint64 {
	return e.droppedSpans.Load()
}

// Close removes all handlers and waits for in-flight async handlers.
func (e *Emitter) Close() {
	e.handlersLock.Lock()
	e.handlers = nil
	workers := e.workers
	e.workers = nil
	e.handlersLock.Unlock()

	if workers != nil {
		workers.shutdown()
	}
}

// workerPool runs async handler calls on a fixed set of goroutines. Calls
// queued when it shuts down still run; calls submitted to a full queue are
// dropped.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

func (w *workerPool) submit(task func()) {
	select {
	case <-w.stop:
		w.dropped.Add(1)
		return
	default:
	}
	select {
	case w.tasks <- task:
	default:
		w.dropped.Add(1)
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
