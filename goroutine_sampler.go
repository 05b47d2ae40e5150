package inferz

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/zoobzio/clockz"
)

const (
	initialStackBuffer = 64 << 10
	maxStackBuffer     = 64 << 20
)

var goroutinePrefix = []byte("goroutine ")

// GoroutineID returns the id of the calling goroutine, as printed in stack
// traces. Activation logs and the goroutine sampler use it as thread id.
func GoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, _ := parseGoroutineHeader(buf[:n])
	return id
}

// parseGoroutineHeader parses "goroutine 17 [running]:".
func parseGoroutineHeader(line []byte) (int64, bool) {
	if !bytes.HasPrefix(line, goroutinePrefix) {
		return 0, false
	}
	line = line[len(goroutinePrefix):]
	end := bytes.IndexByte(line, ' ')
	if end < 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(line[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// GoroutineSampler samples the stacks of every goroutine of the process
// with runtime.Stack. Goroutine ids are used as thread ids.
type GoroutineSampler struct {
	clock    clockz.Clock
	nano     MonotonicClock
	interval time.Duration
	buf      []byte
}

// NewGoroutineSampler samples every interval, timestamping samples with
// nano.
func NewGoroutineSampler(clock clockz.Clock, nano MonotonicClock, interval time.Duration) *GoroutineSampler {
	return &GoroutineSampler{
		clock:    clock,
		nano:     nano,
		interval: interval,
		buf:      make([]byte, initialStackBuffer),
	}
}

// CaptureWindow samples until duration has elapsed or ctx is done. The
// calling goroutine is not sampled. Not safe for concurrent use.
func (s *GoroutineSampler) CaptureWindow(ctx context.Context, duration time.Duration) ([]StackSample, error) {
	self := GoroutineID()
	deadline := s.clock.Now().Add(duration)
	var samples []StackSample
	for {
		samples = s.sample(samples, self)
		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			return samples, nil
		}
		select {
		case <-ctx.Done():
			return samples, ctx.Err()
		case <-s.clock.After(min(s.interval, remaining)):
		}
	}
}

func (s *GoroutineSampler) sample(dst []StackSample, self int64) []StackSample {
	var n int
	for {
		n = runtime.Stack(s.buf, true)
		if n < len(s.buf) || len(s.buf) >= maxStackBuffer {
			break
		}
		s.buf = make([]byte, 2*len(s.buf))
	}
	return parseGoroutineStacks(dst, s.buf[:n], s.nano.NanoTime(), self)
}

// parseGoroutineStacks appends one sample per goroutine found in a
// runtime.Stack dump, skipping goroutine skip. Frames are ordered from
// the outermost call to the leaf.
func parseGoroutineStacks(dst []StackSample, dump []byte, timestamp, skip int64) []StackSample {
	for _, block := range bytes.Split(dump, []byte("\n\n")) {
		lines := bytes.Split(bytes.TrimSpace(block), []byte("\n"))
		if len(lines) == 0 {
			continue
		}
		id, ok := parseGoroutineHeader(lines[0])
		if !ok || id == skip {
			continue
		}
		var frames []StackFrame
		for _, line := range lines[1:] {
			if len(line) == 0 || line[0] == '\t' {
				continue
			}
			if bytes.HasPrefix(line, []byte("created by ")) {
				break
			}
			if bytes.HasPrefix(line, []byte("...")) {
				// "...additional frames elided..."
				continue
			}
			frames = append(frames, parseFunctionFrame(string(line)))
		}
		if len(frames) == 0 {
			continue
		}
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
		dst = append(dst, StackSample{ThreadID: id, Timestamp: timestamp, Frames: frames})
	}
	return dst
}

// parseFunctionFrame splits "github.com/a/b.(*T).M(0x1)" into the package
// and receiver type ("github.com/a/b.(*T)") and the method ("M"). Plain
// functions use the package as class.
func parseFunctionFrame(line string) StackFrame {
	if strings.HasSuffix(line, ")") {
		if i := strings.LastIndexByte(line, '('); i > 0 {
			line = line[:i]
		}
	}
	pkgEnd := strings.LastIndexByte(line, '/') + 1
	dot := strings.IndexByte(line[pkgEnd:], '.')
	if dot < 0 {
		return StackFrame{MethodName: line}
	}
	dot += pkgEnd
	pkg, rest := line[:dot], line[dot+1:]
	if strings.HasPrefix(rest, "(") {
		if end := strings.Index(rest, ")."); end > 0 {
			return StackFrame{ClassName: pkg + "." + rest[:end+1], MethodName: rest[end+2:]}
		}
	}
	return StackFrame{ClassName: pkg, MethodName: rest}
}
