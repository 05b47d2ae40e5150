package inferz

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ThreadWindow is everything captured for one thread during one window.
type ThreadWindow struct {
	Activations ActivationBatch
	Samples     []StackSample
	ThreadID    int64
}

// CorrelationResult counts what a correlation pass produced.
type CorrelationResult struct {
	Threads        int
	Emitted        int
	Discarded      int
	Folded         int
	EmitErrors     int
	DroppedSamples int
	Orphaned       int
}

func (r *CorrelationResult) add(o CorrelationResult) {
	r.Threads += o.Threads
	r.Emitted += o.Emitted
	r.Discarded += o.Discarded
	r.Folded += o.Folded
	r.EmitErrors += o.EmitErrors
	r.DroppedSamples += o.DroppedSamples
	r.Orphaned += o.Orphaned
}

// CorrelatorConfig configures a Correlator.
type CorrelatorConfig struct {
	Filter      FrameFilter
	MinDuration time.Duration
	// DryRun correlates without emitting.
	DryRun bool
}

// Correlator replays activation events against stack samples and emits the
// resulting inferred spans. Threads are correlated independently and in
// parallel.
type Correlator struct {
	emitter  SpanEmitter
	clock    NanoClock
	logger   *zap.Logger
	nodes    *ObjectPool[*CallTree]
	contexts *ObjectPool[*TraceContext]
	config   CorrelatorConfig
	limit    int
}

// NewCorrelator creates a correlator emitting through emitter and anchoring
// timestamps with clock.
func NewCorrelator(emitter SpanEmitter, clock NanoClock, config CorrelatorConfig, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := runtime.GOMAXPROCS(0)
	return &Correlator{
		emitter:  emitter,
		clock:    clock,
		logger:   logger,
		config:   config,
		limit:    limit,
		nodes:    NewObjectPool(256*limit, func() *CallTree { return &CallTree{} }),
		contexts: NewObjectPool(64*limit, func() *TraceContext { return &TraceContext{} }),
	}
}

// Correlate processes windows and returns the accumulated counts. The first
// thread that fails correlation cancels the threads not yet started; its
// error wraps ErrCorrelation. Spans already emitted stay emitted.
func (c *Correlator) Correlate(ctx context.Context, windows []ThreadWindow) (CorrelationResult, error) {
	var (
		mu     sync.Mutex
		result CorrelationResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limit)
	for i := range windows {
		w := &windows[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := c.correlateThread(w)
			mu.Lock()
			result.add(r)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return result, err
}

func (c *Correlator) correlateThread(w *ThreadWindow) (result CorrelationResult, err error) {
	b := newTreeBuilder(c.nodes, c.contexts, c.config.Filter)
	defer b.release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: thread %d: %v", ErrCorrelation, w.ThreadID, r)
		}
	}()

	roots, err := b.build(&w.Activations, w.Samples)
	result.Threads = 1
	result.DroppedSamples = b.droppedSamples
	result.Orphaned = b.orphaned
	if err != nil {
		return result, fmt.Errorf("thread %d: %w", w.ThreadID, err)
	}

	s := &spanifier{
		emitter:     c.emitter,
		clock:       c.clock,
		logger:      c.logger,
		builder:     b,
		threadID:    w.ThreadID,
		minDuration: c.config.MinDuration.Nanoseconds(),
		dryRun:      c.config.DryRun,
	}
	for _, root := range roots {
		s.spanify(root)
	}
	result.Emitted = s.stats.Emitted
	result.Discarded = s.stats.Discarded
	result.Folded = s.stats.Folded
	result.EmitErrors = s.stats.EmitErrors
	return result, nil
}
