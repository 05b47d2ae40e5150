package benchmarks

import (
	"time"

	"github.com/zoobzio/inferz"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func benchConfig() inferz.Config {
	cfg := inferz.DefaultConfig()
	cfg.LoggingEnabled = false
	cfg.SamplingInterval = time.Millisecond
	cfg.Duration = 10 * time.Millisecond
	cfg.Interval = 10 * time.Millisecond
	return cfg
}

func newBenchProfiler(b interface{ Fatal(...any) }, emitter inferz.SpanEmitter, sampler inferz.StackSampler) *inferz.Profiler {
	if sampler == nil {
		sampler = inferz.DisabledSampler{}
	}
	p, err := inferz.NewProfiler(benchConfig(),
		inferz.WithSampler(sampler),
		inferz.WithEmitter(emitter),
		inferz.WithLogger(zap.NewNop()),
	)
	if err != nil {
		b.Fatal(err)
	}
	return p
}

func spanContext(traceByte, spanByte byte) trace.SpanContext {
	var tid trace.TraceID
	var sid trace.SpanID
	for i := range tid {
		tid[i] = traceByte
	}
	sid[0] = 0x10
	sid[7] = spanByte
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	})
}

// discardEmitter accepts every span.
type discardEmitter struct{}

func (discardEmitter) EmitSpan(s inferz.InferredSpan) (trace.SpanContext, error) {
	return s.Parent, nil
}

var benchFrames = []inferz.StackFrame{
	{ClassName: "main", MethodName: "serve"},
	{ClassName: "main", MethodName: "handle"},
	{ClassName: "main", MethodName: "load"},
	{ClassName: "database/sql", MethodName: "(*DB).Query"},
	{ClassName: "net", MethodName: "(*conn).Read"},
}

// syntheticWindow builds a window of n samples moving through a few
// nested frames under two activated spans.
func syntheticWindow(threadID int64, n int) inferz.ThreadWindow {
	var outer, inner inferz.TraceContext
	outer.FillFromSpanContext(spanContext(1, 1), 0)
	inner.FillFromSpanContext(spanContext(1, 2), 0)
	var encOuter, encInner inferz.EncodedContext
	outer.Encode(encOuter[:], 0)
	inner.Encode(encInner[:], 0)

	frames := benchFrames
	w := inferz.ThreadWindow{ThreadID: threadID}
	w.Activations.Events = append(w.Activations.Events, inferz.ActivationEvent{
		ThreadID: threadID, Timestamp: 0, Kind: inferz.Activate, Context: encOuter,
	})
	for i := 0; i < n; i++ {
		ts := int64(i+1) * 1000
		if i == n/3 {
			w.Activations.Events = append(w.Activations.Events, inferz.ActivationEvent{
				ThreadID: threadID, Timestamp: ts - 1, Kind: inferz.Activate, Context: encInner,
			})
		}
		if i == 2*n/3 {
			w.Activations.Events = append(w.Activations.Events, inferz.ActivationEvent{
				ThreadID: threadID, Timestamp: ts - 1, Kind: inferz.Deactivate, Context: encInner,
			})
		}
		depth := 2 + i%4
		w.Samples = append(w.Samples, inferz.StackSample{ThreadID: threadID, Timestamp: ts, Frames: frames[:depth]})
	}
	w.Activations.Events = append(w.Activations.Events, inferz.ActivationEvent{
		ThreadID: threadID, Timestamp: int64(n+1) * 1000, Kind: inferz.Deactivate, Context: encOuter,
	})
	return w
}
