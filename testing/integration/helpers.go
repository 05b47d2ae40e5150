package integration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/inferz"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Script produces the samples of one capture window. It runs on the
// profiler's goroutine and may record activations and advance the clock.
type Script func(ctx context.Context) ([]inferz.StackSample, error)

// ScriptedSampler replays one script per capture window. Windows past the
// end of the script capture nothing.
type ScriptedSampler struct {
	scripts []Script
	calls   int
	mu      sync.Mutex
}

// Push appends scripts for the following windows.
func (s *ScriptedSampler) Push(scripts ...Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, scripts...)
}

// CaptureWindow runs the next script.
func (s *ScriptedSampler) CaptureWindow(ctx context.Context, _ time.Duration) ([]inferz.StackSample, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	var script Script
	if i < len(s.scripts) {
		script = s.scripts[i]
	}
	s.mu.Unlock()
	if script == nil {
		return nil, nil
	}
	return script(ctx)
}

// Calls returns how many windows were captured.
func (s *ScriptedSampler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Harness wires a profiler into an OpenTelemetry SDK provider whose spans,
// real and inferred, are recorded.
//
//nolint:govet // Field alignment optimized for test helper readability
type Harness struct {
	T        *testing.T
	Clock    *clockz.FakeClock
	Profiler *inferz.Profiler
	Provider *sdktrace.TracerProvider
	Recorder *tracetest.SpanRecorder
	Registry *prometheus.Registry
	Sampler  *ScriptedSampler
	Tracer   trace.Tracer
}

// TestConfig is the default configuration with logging off and windows
// short enough for fake-clock tests.
func TestConfig() inferz.Config {
	cfg := inferz.DefaultConfig()
	cfg.LoggingEnabled = false
	cfg.SamplingInterval = 10 * time.Millisecond
	cfg.Duration = 100 * time.Millisecond
	cfg.Interval = 200 * time.Millisecond
	cfg.StopTimeout = time.Second
	return cfg
}

// NewHarness creates a harness on a fake clock. The profiler samples
// through h.Sampler unless opts set another sampler.
func NewHarness(t *testing.T, cfg inferz.Config, opts ...inferz.Option) *Harness {
	t.Helper()
	h := &Harness{
		T:        t,
		Clock:    clockz.NewFakeClock(),
		Recorder: tracetest.NewSpanRecorder(),
		Registry: prometheus.NewRegistry(),
		Sampler:  &ScriptedSampler{},
	}
	h.Provider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.Recorder))

	base := []inferz.Option{
		inferz.WithSampler(h.Sampler),
		inferz.WithTracerProvider(h.Provider),
		inferz.WithClock(h.Clock),
		inferz.WithLogger(zap.NewNop()),
		inferz.WithRegisterer(h.Registry),
	}
	p, err := inferz.NewProfiler(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewProfiler: %v", err)
	}
	h.Profiler = p
	h.Provider.RegisterSpanProcessor(inferz.NewProcessor(p))
	h.Tracer = h.Provider.Tracer("integration")

	t.Cleanup(func() {
		_ = h.Provider.Shutdown(context.Background())
	})
	return h
}

// StartSpan starts a real span at the current fake time.
func (h *Harness) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return h.Tracer.Start(ctx, name, trace.WithTimestamp(h.Clock.Now()))
}

// Advance moves the fake clock forward.
func (h *Harness) Advance(d time.Duration) {
	h.Clock.Advance(d)
}

// Sample takes a sample of threadID at the current time. Frames are given
// outermost first as "pkg.Func" names.
func (h *Harness) Sample(threadID int64, frames ...string) inferz.StackSample {
	s := inferz.StackSample{ThreadID: threadID, Timestamp: h.Profiler.Anchors().NanoTime()}
	for _, f := range frames {
		s.Frames = append(s.Frames, Frame(f))
	}
	return s
}

// Frame splits "pkg.Func" at the last dot.
func Frame(name string) inferz.StackFrame {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return inferz.StackFrame{ClassName: name[:i], MethodName: name[i+1:]}
	}
	return inferz.StackFrame{MethodName: name}
}

// Steady returns a script that activates sc on threadID, takes n samples
// step apart inside frames, waits one more step and deactivates.
func (h *Harness) Steady(threadID int64, sc trace.SpanContext, n int, step time.Duration, frames ...string) Script {
	return func(context.Context) ([]inferz.StackSample, error) {
		h.Profiler.OnActivation(threadID, sc)
		samples := make([]inferz.StackSample, 0, n)
		for i := 0; i < n; i++ {
			h.Advance(step)
			samples = append(samples, h.Sample(threadID, frames...))
		}
		h.Advance(step)
		h.Profiler.OnDeactivation(threadID, sc)
		return samples, nil
	}
}

// Inferred returns the recorded spans emitted by the profiler.
func (h *Harness) Inferred() []sdktrace.ReadOnlySpan {
	var spans []sdktrace.ReadOnlySpan
	for _, s := range h.Recorder.Ended() {
		if s.InstrumentationScope().Name == inferz.TracerName {
			spans = append(spans, s)
		}
	}
	return spans
}

// WaitFor polls cond, advancing the fake clock by step between polls.
func (h *Harness) WaitFor(cond func() bool, step, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		if step > 0 {
			h.Clock.Advance(step)
			h.Clock.BlockUntilReady()
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

// SpanTree is a hierarchical view of recorded spans.
type SpanTree struct {
	Span     sdktrace.ReadOnlySpan
	Children []*SpanTree
}

// BuildSpanTree constructs a tree from a flat span list.
func BuildSpanTree(spans []sdktrace.ReadOnlySpan) []*SpanTree {
	nodes := make(map[trace.SpanID]*SpanTree, len(spans))
	for _, s := range spans {
		nodes[s.SpanContext().SpanID()] = &SpanTree{Span: s}
	}

	var roots []*SpanTree
	for _, s := range spans {
		node := nodes[s.SpanContext().SpanID()]
		if parent, ok := nodes[s.Parent().SpanID()]; ok && s.Parent().IsValid() {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}

// PrintSpanTree formats a span tree for debugging.
func PrintSpanTree(trees []*SpanTree) string {
	var sb strings.Builder
	for _, tree := range trees {
		printTreeNode(&sb, tree, 0)
	}
	return sb.String()
}

func printTreeNode(sb *strings.Builder, node *SpanTree, depth int) {
	indent := strings.Repeat("  ", depth)
	d := node.Span.EndTime().Sub(node.Span.StartTime())
	fmt.Fprintf(sb, "%s%s (%.2fms)\n", indent, node.Span.Name(), d.Seconds()*1000)
	for _, child := range node.Children {
		printTreeNode(sb, child, depth+1)
	}
}
