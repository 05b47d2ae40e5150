// Package inferz infers spans for code that is not instrumented, by
// correlating periodic stack samples with the spans active on each
// goroutine.
//
// Core Components:
//   - Profiler: runs capture windows, correlates them and emits spans.
//   - Processor: sdktrace.SpanProcessor anchoring spans to the profiler clock.
//   - ActivationLog: per-goroutine record of span activations.
//   - SpanAnchoredClock: converts monotonic sample timestamps to epoch time.
//   - Correlator: replays activations against samples into call trees.
//   - Emitter / Collector: turn surviving candidates into spans.
//
// Basic Usage:
//
//	cfg, _, err := inferz.LoadConfig()
//	profiler, err := inferz.NewProfiler(cfg, inferz.WithTracerProvider(tp))
//	tp.RegisterSpanProcessor(inferz.NewProcessor(profiler))
//	_ = profiler.Start()
//	defer profiler.Stop(ctx)
//
//	ctx, span := tracer.Start(ctx, "handle")
//	deactivate := profiler.Activate(ctx)
//	work()
//	deactivate()
//	span.End()
//
// Thread Safety:
//
// Activation hooks are safe to call from any goroutine. Each goroutine only
// appends to its own activation log. Capture windows run on one profiler
// goroutine; correlation of separate goroutines runs in parallel.
//
// Failure Model:
//
// Sampler faults put the profiler in safe mode after the configured number
// of retries. Correlation faults discard the window, optionally backing up
// its raw data to a diagnostic file. Nothing propagates to the instrumented
// application.
package inferz

// Tag represents a span attribute key in recorded spans.
type Tag = string
