package inferz

import (
	"context"
	"errors"
	"time"
)

// ErrSamplerUnavailable is returned by samplers that cannot capture stacks
// on this platform or failed to initialize.
var ErrSamplerUnavailable = errors.New("stack sampler unavailable")

// StackFrame identifies one frame of a sampled stack. The core never
// interprets it beyond wildcard matching on its name.
type StackFrame struct {
	ClassName  string
	MethodName string
}

// String returns "ClassName.MethodName", or MethodName alone when the frame
// has no class.
func (f StackFrame) String() string {
	if f.ClassName == "" {
		return f.MethodName
	}
	return f.ClassName + "." + f.MethodName
}

// StackSample is one captured call stack of a thread, ordered from the
// outermost frame to the leaf.
type StackSample struct {
	Frames    []StackFrame
	ThreadID  int64
	Timestamp int64
}

// StackSampler captures stack samples for one window.
//
// CaptureWindow blocks for at most duration (or until ctx is done) and
// returns the samples taken. Timestamps must come from the profiler's
// MonotonicClock. An error other than the context's means the sampler is
// broken for this window.
type StackSampler interface {
	CaptureWindow(ctx context.Context, duration time.Duration) ([]StackSample, error)
}

// DisabledSampler is used where stack sampling is not available.
type DisabledSampler struct{}

// CaptureWindow always reports ErrSamplerUnavailable.
func (DisabledSampler) CaptureWindow(context.Context, time.Duration) ([]StackSample, error) {
	return nil, ErrSamplerUnavailable
}

// StackSamplerFunc adapts a function to StackSampler.
type StackSamplerFunc func(ctx context.Context, duration time.Duration) ([]StackSample, error)

// CaptureWindow calls f.
func (f StackSamplerFunc) CaptureWindow(ctx context.Context, duration time.Duration) ([]StackSample, error) {
	return f(ctx, duration)
}
