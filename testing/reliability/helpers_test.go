package reliability

import (
	"crypto/rand"
	"time"

	"github.com/zoobzio/inferz"
	"go.opentelemetry.io/otel/trace"
)

// profilerConfig returns a configuration with short windows for tests
// driven by the real clock.
func profilerConfig(config ReliabilityConfig) inferz.Config {
	cfg := inferz.DefaultConfig()
	cfg.LoggingEnabled = false
	cfg.SamplingInterval = time.Millisecond
	cfg.Duration = 20 * time.Millisecond
	cfg.Interval = 25 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.ActivationLogCapacity = config.LogCapacity
	return cfg
}

// randomSpanContext returns a sampled local span context.
func randomSpanContext() trace.SpanContext {
	var tid trace.TraceID
	var sid trace.SpanID
	_, _ = rand.Read(tid[:])
	_, _ = rand.Read(sid[:])
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}

// startedSpan satisfies inferz.AnchoredSpan.
type startedSpan struct {
	start time.Time
	sc    trace.SpanContext
}

func (s startedSpan) SpanContext() trace.SpanContext { return s.sc }
func (s startedSpan) StartTime() time.Time { return s.start }
