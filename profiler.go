package inferz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Profiler.
type State int32

// Profiler states.
const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// idleWindowsBeforeRelease is how many consecutive windows an activation
// log must stay empty, with no active span, before it is released.
const idleWindowsBeforeRelease = 2

// Option configures a Profiler.
type Option func(*Profiler)

// WithSampler sets the stack sampler. The default samples goroutines of
// the current process.
func WithSampler(s StackSampler) Option {
	return func(p *Profiler) { p.sampler = s }
}

// WithEmitter sets where inferred spans go. It takes precedence over
// WithTracerProvider.
func WithEmitter(e SpanEmitter) Option {
	return func(p *Profiler) { p.next = e }
}

// WithTracerProvider emits inferred spans through tp. The default is the
// global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Profiler) { p.tracerProvider = tp }
}

// WithClock sets the clock used for scheduling and monotonic time.
func WithClock(c clockz.Clock) Option {
	return func(p *Profiler) { p.clock = c }
}

// WithLogger sets the logger. The default is built from the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(p *Profiler) { p.logger = l }
}

// WithRegisterer registers the profiler metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Profiler) { p.registerer = reg }
}

// WindowResult describes one capture window.
type WindowResult struct {
	CorrelationResult
	Samples int
	// Backup is the diagnostic file written for a failed window.
	Backup string
}

// Profiler captures stack samples in windows and turns them into inferred
// spans using the activation events recorded by application goroutines.
//
//nolint:govet // Field order optimized for readability
type Profiler struct {
	config         Config
	clock          clockz.Clock
	anchors        *SpanAnchoredClock
	logs           *ActivationLogs
	sampler        StackSampler
	next           SpanEmitter
	tracerProvider trace.TracerProvider
	emitter        *Emitter
	correlator     *Correlator
	diagnostics    *DiagnosticWriter
	metrics        *Metrics
	registerer     prometheus.Registerer
	logger         *zap.Logger

	state    atomic.Int32
	safeMode atomic.Bool
	safeOnce sync.Once

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Guarded by runMu.
	runMu        sync.Mutex
	failures     int
	batches      map[int64]*ActivationBatch
	lastDropped  map[int64]uint64
	lastOrphaned map[int64]uint64

	anchorWarn rate.Sometimes
	dropWarn   rate.Sometimes
}

// NewProfiler creates a stopped profiler.
func NewProfiler(cfg Config, opts ...Option) (*Profiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Profiler{
		config:       cfg,
		clock:        clockz.RealClock,
		batches:      make(map[int64]*ActivationBatch),
		lastDropped:  make(map[int64]uint64),
		lastOrphaned: make(map[int64]uint64),
		anchorWarn:   rate.Sometimes{First: 1, Interval: time.Minute},
		dropWarn:     rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		logger, err := NewLogger(cfg.LogConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		p.logger = logger
	}

	p.anchors = NewSpanAnchoredClock(p.clock)
	p.logs = NewActivationLogs(cfg.ActivationLogCapacity, p.anchors)
	p.metrics = NewMetrics(p.registerer)
	if p.sampler == nil {
		p.sampler = NewGoroutineSampler(p.clock, p.anchors, cfg.SamplingInterval)
	}
	if p.next == nil {
		tp := p.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		p.next = NewOTelEmitter(tp)
	}
	p.emitter = NewEmitter(p.next)
	p.emitter.SetPanicHook(func(id uint64, r interface{}) {
		p.logger.Error("inferred span emission panicked", zap.Uint64("handler_id", id), zap.Any("panic", r))
	})
	p.correlator = NewCorrelator(p.emitter, p.anchors, CorrelatorConfig{
		Filter:      cfg.FrameFilter(),
		MinDuration: cfg.MinDuration,
		DryRun:      !cfg.PostProcessingEnabled,
	}, p.logger)
	if cfg.BackupDiagnosticFiles {
		p.diagnostics = NewDiagnosticWriter(cfg.DiagnosticDirectory, cfg.DiagnosticCompression)
	}
	return p, nil
}

// Anchors returns the clock anchor service shared with the span processor.
func (p *Profiler) Anchors() *SpanAnchoredClock { return p.anchors }

// Emitter returns the emitter, for registering span handlers.
func (p *Profiler) Emitter() *Emitter { return p.emitter }

// Metrics returns the profiler metrics.
func (p *Profiler) Metrics() *Metrics { return p.metrics }

// State returns the lifecycle state.
func (p *Profiler) State() State { return State(p.state.Load()) }

// SafeMode reports whether inferred span generation has been disabled
// after sampler faults.
func (p *Profiler) SafeMode() bool { return p.safeMode.Load() }

// Start launches the capture loop. Starting a running profiler is a no-op.
func (p *Profiler) Start() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.safeMode.Load() {
		return fmt.Errorf("%w: safe mode", ErrProfilerStopped)
	}
	if !p.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, p.done)
	p.logger.Info("inferred spans profiler started",
		zap.Duration("interval", p.config.Interval),
		zap.Duration("duration", p.config.Duration),
		zap.Duration("sampling_interval", p.config.SamplingInterval))
	return nil
}

// Stop cancels the capture loop and waits for the in-flight window to
// flush, for at most the configured stop timeout or until ctx is done.
func (p *Profiler) Stop(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}
	defer p.state.Store(int32(StateStopped))

	p.cancel()
	select {
	case <-p.done:
		p.logger.Info("inferred spans profiler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping profiler: %w", ctx.Err())
	case <-p.clock.After(p.config.StopTimeout):
		p.logger.Warn("abandoning in-flight capture window", zap.Duration("timeout", p.config.StopTimeout))
		return fmt.Errorf("stopping profiler: %w", context.DeadlineExceeded)
	}
}

func (p *Profiler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if _, err := p.RunWindow(ctx); errors.Is(err, ErrProfilerStopped) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.config.Interval - p.config.Duration):
		}
	}
}

// RunWindow captures and processes one window synchronously. If ctx is
// cancelled mid-window, the samples taken so far are still flushed.
// Sampler faults count towards safe mode; once in safe mode every call
// returns ErrProfilerStopped without sampling.
func (p *Profiler) RunWindow(ctx context.Context) (WindowResult, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	var result WindowResult
	if p.safeMode.Load() {
		return result, fmt.Errorf("%w: safe mode", ErrProfilerStopped)
	}

	// Events recorded between windows cannot be matched to samples. The
	// stacks they leave behind are recovered by the next drain.
	p.drainAll(nil)

	samples, err := p.capture(ctx)
	if err != nil && !(ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		p.metrics.Windows.WithLabelValues(windowSamplerFail).Inc()
		p.drainAll(nil)
		return result, p.samplerFailed(ctx, err)
	}
	p.failures = 0
	result.Samples = len(samples)
	p.metrics.SamplesCaptured.Add(float64(len(samples)))

	windows := p.collectWindows(samples)
	if len(windows) == 0 {
		p.metrics.Windows.WithLabelValues(windowSkipped).Inc()
		p.cleanup()
		return result, nil
	}

	start := p.clock.Now()
	// Flushing continues after cancellation.
	corr, err := p.correlator.Correlate(context.WithoutCancel(ctx), windows)
	p.metrics.CorrelationDuration.Observe(p.clock.Since(start).Seconds())
	p.metrics.observeCorrelation(corr)
	result.CorrelationResult = corr

	if err != nil {
		p.metrics.Windows.WithLabelValues(windowCorrelation).Inc()
		p.logger.Error("discarding capture window", zap.Error(err))
		result.Backup = p.backup(start, windows)
		p.cleanup()
		return result, err
	}
	p.metrics.Windows.WithLabelValues(windowOK).Inc()
	p.cleanup()
	return result, nil
}

func (p *Profiler) capture(ctx context.Context) (samples []StackSample, err error) {
	defer func() {
		if r := recover(); r != nil {
			samples, err = nil, fmt.Errorf("%w: sampler panicked: %v", ErrSamplerUnavailable, r)
		}
	}()
	return p.sampler.CaptureWindow(ctx, p.config.Duration)
}

// samplerFailed enters safe mode once the number of consecutive failures
// exceeds the configured retry bound, otherwise waits for the backoff.
func (p *Profiler) samplerFailed(ctx context.Context, err error) error {
	p.failures++
	if p.failures > p.config.SafeMode {
		p.safeMode.Store(true)
		p.metrics.SafeMode.Set(1)
		p.safeOnce.Do(func() {
			p.logger.Error("stack sampler failed, inferred spans are disabled",
				zap.Int("failures", p.failures),
				zap.Error(err))
		})
		return fmt.Errorf("%w: safe mode: %w", ErrProfilerStopped, err)
	}
	p.logger.Warn("stack sampler failed, retrying",
		zap.Int("failures", p.failures),
		zap.Int("retry_bound", p.config.SafeMode),
		zap.Duration("backoff", p.config.SafeModeBackoff),
		zap.Error(err))
	if p.config.SafeModeBackoff > 0 {
		select {
		case <-ctx.Done():
		case <-p.clock.After(p.config.SafeModeBackoff):
		}
	}
	return err
}

// drainAll drains every activation log into the reused per-thread batch
// and calls fn for it.
func (p *Profiler) drainAll(fn func(threadID int64, batch *ActivationBatch)) {
	p.logs.Range(func(log *ActivationLog) bool {
		id := log.ThreadID()
		batch := p.batches[id]
		if batch == nil {
			batch = &ActivationBatch{}
			p.batches[id] = batch
		}
		log.Drain(batch)
		p.reportLogCounters(log)
		if fn != nil {
			fn(id, batch)
		}
		return true
	})
}

// reportLogCounters adds what log dropped and orphaned since the last call
// to the metrics.
func (p *Profiler) reportLogCounters(log *ActivationLog) {
	id := log.ThreadID()
	if dropped := log.Dropped(); dropped > p.lastDropped[id] {
		delta := dropped - p.lastDropped[id]
		p.lastDropped[id] = dropped
		p.metrics.ActivationEventsDropped.Add(float64(delta))
		p.dropWarn.Do(func() {
			p.logger.Warn("activation log overflowed, oldest events dropped",
				zap.Int64("thread_id", id),
				zap.Uint64("dropped", delta),
				zap.Int("capacity", p.config.ActivationLogCapacity))
		})
	}
	if orphaned := log.Orphaned(); orphaned > p.lastOrphaned[id] {
		p.metrics.UnmatchedDeactivations.Add(float64(orphaned - p.lastOrphaned[id]))
		p.lastOrphaned[id] = orphaned
	}
}

func (p *Profiler) collectWindows(samples []StackSample) []ThreadWindow {
	byThread := make(map[int64][]StackSample)
	for _, s := range samples {
		byThread[s.ThreadID] = append(byThread[s.ThreadID], s)
	}

	var windows []ThreadWindow
	p.drainAll(func(threadID int64, batch *ActivationBatch) {
		threadSamples, ok := byThread[threadID]
		if !ok {
			return
		}
		delete(byThread, threadID)
		windows = append(windows, ThreadWindow{
			ThreadID:    threadID,
			Activations: *batch,
			Samples:     threadSamples,
		})
	})
	// Threads that never activated a span.
	for _, s := range byThread {
		p.metrics.SamplesDropped.Add(float64(len(s)))
	}
	return windows
}

func (p *Profiler) backup(created time.Time, windows []ThreadWindow) string {
	if p.diagnostics == nil {
		return ""
	}
	path, err := p.diagnostics.Backup(created, windows)
	if err != nil {
		p.logger.Warn("writing diagnostic file failed", zap.Error(err))
		return ""
	}
	p.logger.Info("wrote diagnostic file", zap.String("path", path))
	return path
}

func (p *Profiler) cleanup() {
	if purged := p.anchors.PeriodicCleanup(); purged > 0 {
		p.metrics.AnchorsPurged.Add(float64(purged))
	}
	released := p.logs.ReleaseIdle(idleWindowsBeforeRelease, func(log *ActivationLog) {
		p.reportLogCounters(log)
		p.forgetLocked(log.ThreadID())
	})
	if released > 0 {
		p.metrics.ActivationLogsReleased.Add(float64(released))
	}
}

// OnActivation records that sc became the innermost active span on
// threadID. Invalid, unsampled and remote span contexts are ignored.
func (p *Profiler) OnActivation(threadID int64, sc trace.SpanContext) {
	if !recordable(sc) || p.safeMode.Load() {
		return
	}
	anchor, ok := p.anchors.GetAnchor(sc)
	if !ok {
		anchor = p.clock.Now().UnixNano() - p.anchors.NanoTime()
		p.anchorWarn.Do(func() {
			p.logger.Warn("span activated without clock anchor, is the span processor registered?",
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()))
		})
	}
	var tc TraceContext
	tc.FillFromSpanContext(sc, anchor)
	p.logs.RecordActivate(threadID, &tc)
}

// OnDeactivation records that the innermost active span on threadID
// ended. sc must be the context passed to the matching OnActivation.
func (p *Profiler) OnDeactivation(threadID int64, sc trace.SpanContext) {
	if !recordable(sc) || p.safeMode.Load() {
		return
	}
	p.logs.RecordDeactivate(threadID)
}

// Activate records the span of ctx as active on the calling goroutine and
// returns the function recording its deactivation.
func (p *Profiler) Activate(ctx context.Context) (deactivate func()) {
	sc := trace.SpanContextFromContext(ctx)
	gid := GoroutineID()
	p.OnActivation(gid, sc)
	return func() { p.OnDeactivation(gid, sc) }
}

// ForgetThread drops the activation log of a thread that has exited.
func (p *Profiler) ForgetThread(threadID int64) {
	p.logs.Forget(threadID)
	p.runMu.Lock()
	p.forgetLocked(threadID)
	p.runMu.Unlock()
}

func (p *Profiler) forgetLocked(threadID int64) {
	delete(p.batches, threadID)
	delete(p.lastDropped, threadID)
	delete(p.lastOrphaned, threadID)
}

func recordable(sc trace.SpanContext) bool {
	return sc.IsValid() && sc.IsSampled() && !sc.IsRemote()
}
