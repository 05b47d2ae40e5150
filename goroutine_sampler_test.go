package inferz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

const sampleDump = `goroutine 1 [running]:
main.main()
	/src/main.go:10 +0x20

goroutine 7 [chan receive]:
github.com/acme/api.(*Server).handle(0xc000010000, {0x1, 0x2})
	/src/api/server.go:42 +0x55
github.com/acme/api.(*Server).Serve.func1()
	/src/api/server.go:30 +0x20
net/http.HandlerFunc.ServeHTTP(...)
	/go/src/net/http/server.go:2166
created by github.com/acme/api.(*Server).Serve in goroutine 1
	/src/api/server.go:28 +0x80

goroutine 9 [select]:
main.sampler()
	/src/main.go:50 +0x10
`

func TestParseGoroutineStacks(t *testing.T) {
	samples := parseGoroutineStacks(nil, []byte(sampleDump), 123, 9)
	require.Len(t, samples, 2, "goroutine 9 is skipped")

	assert.Equal(t, int64(1), samples[0].ThreadID)
	assert.Equal(t, int64(123), samples[0].Timestamp)
	assert.Equal(t, []StackFrame{{ClassName: "main", MethodName: "main"}}, samples[0].Frames)

	assert.Equal(t, int64(7), samples[1].ThreadID)
	assert.Equal(t, []StackFrame{
		{ClassName: "net/http", MethodName: "HandlerFunc.ServeHTTP"},
		{ClassName: "github.com/acme/api.(*Server)", MethodName: "Serve.func1"},
		{ClassName: "github.com/acme/api.(*Server)", MethodName: "handle"},
	}, samples[1].Frames, "outermost frame first, created-by excluded")
}

func TestParseFunctionFrame(t *testing.T) {
	tests := []struct {
		line string
		want StackFrame
	}{
		{"main.main()", StackFrame{ClassName: "main", MethodName: "main"}},
		{"main.work.func1(...)", StackFrame{ClassName: "main", MethodName: "work.func1"}},
		{"runtime.gopark(0x1?, 0x2?)", StackFrame{ClassName: "runtime", MethodName: "gopark"}},
		{"github.com/acme/api.(*Server).Serve(0xc0000)", StackFrame{ClassName: "github.com/acme/api.(*Server)", MethodName: "Serve"}},
		{"github.com/acme/api.Value.String()", StackFrame{ClassName: "github.com/acme/api", MethodName: "Value.String"}},
		{"nodot", StackFrame{MethodName: "nodot"}},
	}
	for _, tt := range tests {
		got := parseFunctionFrame(tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestGoroutineID(t *testing.T) {
	id := GoroutineID()
	assert.Positive(t, id)
	assert.Equal(t, id, GoroutineID())

	other := make(chan int64)
	go func() { other <- GoroutineID() }()
	assert.NotEqual(t, id, <-other)
}

func TestGoroutineSamplerCapturesOtherGoroutines(t *testing.T) {
	clock := clockz.NewFakeClock()
	nano := NewSpanAnchoredClock(clock)
	sampler := NewGoroutineSampler(clock, nano, 10*time.Millisecond)

	stop := make(chan struct{})
	ready := make(chan int64)
	go func() {
		ready <- GoroutineID()
		<-stop
	}()
	worker := <-ready
	defer close(stop)

	var (
		samples []StackSample
		err     error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		samples, err = sampler.CaptureWindow(context.Background(), 30*time.Millisecond)
	}()
	// Drive the fake clock until the window closes.
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			clock.Advance(time.Millisecond)
			clock.BlockUntilReady()
			time.Sleep(100 * time.Microsecond)
		}
	}
	require.NoError(t, err)

	var timestamps []int64
	for _, s := range samples {
		if s.ThreadID == worker {
			timestamps = append(timestamps, s.Timestamp)
		}
	}
	require.GreaterOrEqual(t, len(timestamps), 2, "one sample at start plus one per tick")
	assert.IsIncreasing(t, timestamps)
	assert.Less(t, timestamps[0], (30 * time.Millisecond).Nanoseconds())
}

func TestGoroutineSamplerCancel(t *testing.T) {
	clock := clockz.NewFakeClock()
	sampler := NewGoroutineSampler(clock, NewSpanAnchoredClock(clock), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	samples, err := sampler.CaptureWindow(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, samples, "the first sample is taken before waiting")
}
