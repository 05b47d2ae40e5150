package inferz

import "errors"

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid inferred spans configuration")
	// ErrProfilerStopped is returned when running a window on a stopped or
	// safe-moded profiler.
	ErrProfilerStopped = errors.New("profiler is stopped")
	// ErrCorrelation marks a window whose activation events and samples
	// could not be correlated. The window is backed up and discarded.
	ErrCorrelation = errors.New("correlation failed")
	// ErrEmitterPanic is returned when a SpanEmitter panics.
	ErrEmitterPanic = errors.New("span emitter panicked")
)
