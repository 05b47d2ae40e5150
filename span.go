package inferz

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys set on inferred spans.
const (
	// IsInferredKey marks every span produced by the profiler.
	IsInferredKey = attribute.Key("inferz.is_inferred")
	// IsChildKey marks links from an inferred span to a real span that ran
	// below it.
	IsChildKey = attribute.Key("inferz.is_child")
	// StackTraceKey lists frames folded into an inferred span, leaf first.
	StackTraceKey = attribute.Key("code.stacktrace")
	// ThreadIDKey is the thread the samples were taken on.
	ThreadIDKey = attribute.Key("thread.id")
	// SampleCountKey is the number of samples backing the span.
	SampleCountKey = attribute.Key("inferz.sample_count")
)

// InferredSpan is a surviving candidate as handed to a SpanEmitter.
// Parent is either the real span the candidate ran under or a previously
// emitted inferred span.
type InferredSpan struct {
	Start      time.Time
	End        time.Time
	Parent     trace.SpanContext
	Name       string
	Attributes []attribute.KeyValue
	Links      []trace.Link
	ThreadID   int64
	Samples    int
}

// Span is the recorded form of an emitted inferred span, as kept by a
// Collector.
//
//nolint:govet // Field alignment optimized for JSON serialization order
type Span struct {
	Tags      map[Tag]string `json:"tags,omitempty"`
	Links     []string       `json:"links,omitempty"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Duration  time.Duration  `json:"duration"`
	TraceID   string         `json:"trace_id"`
	SpanID    string         `json:"span_id"`
	ParentID  string         `json:"parent_id,omitempty"`
	Name      string         `json:"name"`
	ThreadID  int64          `json:"thread_id"`
	Samples   int            `json:"samples"`
}

// GetTag retrieves a tag value by key.
func (s *Span) GetTag(key Tag) (string, bool) {
	if s.Tags == nil {
		return "", false
	}
	value, ok := s.Tags[key]
	return value, ok
}

// newSpanRecord converts an emitted span into its recorded form.
func newSpanRecord(s *InferredSpan, sc trace.SpanContext) Span {
	span := Span{
		TraceID:   sc.TraceID().String(),
		SpanID:    sc.SpanID().String(),
		Name:      s.Name,
		StartTime: s.Start,
		EndTime:   s.End,
		Duration:  s.End.Sub(s.Start),
		ThreadID:  s.ThreadID,
		Samples:   s.Samples,
	}
	if s.Parent.IsValid() {
		span.ParentID = s.Parent.SpanID().String()
	}
	if len(s.Attributes) > 0 {
		span.Tags = make(map[Tag]string, len(s.Attributes))
		for _, kv := range s.Attributes {
			span.Tags[string(kv.Key)] = kv.Value.Emit()
		}
	}
	for _, l := range s.Links {
		span.Links = append(span.Links, l.SpanContext.SpanID().String())
	}
	return span
}
