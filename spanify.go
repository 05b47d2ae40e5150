package inferz

import (
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// spanifier turns the call trees of one thread into inferred spans.
type spanifier struct {
	emitter     SpanEmitter
	clock       NanoClock
	logger      *zap.Logger
	builder     *treeBuilder
	threadID    int64
	minDuration int64
	dryRun      bool

	folded []StackFrame
	stats  CorrelationResult
}

// discard prunes every candidate below the minimum duration. A candidate
// backed by a single sample has no measurable duration and is pruned too.
// Child links of pruned candidates move to the parent candidate when it
// belongs to the same real span.
func (s *spanifier) discard(node *CallTree) {
	kept := node.children[:0]
	for _, c := range node.children {
		if c.DurationNanos() > 0 && c.DurationNanos() >= s.minDuration {
			s.discard(c)
			kept = append(kept, c)
			continue
		}
		if node.parent != nil && node.owner.IDEquals(c.owner) {
			collectChildIDs(c, &node.childIDs)
		}
		s.stats.Discarded += countNodes(c)
		s.builder.releaseTree(c)
	}
	clear(node.children[len(kept):])
	node.children = kept
}

func collectChildIDs(n *CallTree, dst *[]*TraceContext) {
	*dst = append(*dst, n.childIDs...)
	for _, c := range n.children {
		collectChildIDs(c, dst)
	}
}

func countNodes(n *CallTree) int {
	total := 1
	for _, c := range n.children {
		total += countNodes(c)
	}
	return total
}

// spanify emits the children of root, depth first, parents before
// children.
func (s *spanifier) spanify(root *CallTree) {
	s.discard(root)
	for _, c := range root.children {
		s.emit(c, trace.SpanContext{}, nil)
	}
}

// emit emits node under parent, the inferred span of the enclosing
// candidate owned by parentOwner. A node whose only child covers the same
// samples under the same real span is folded into that child.
func (s *spanifier) emit(node *CallTree, parent trace.SpanContext, parentOwner *TraceContext) {
	if len(node.children) == 1 && len(node.childIDs) == 0 {
		only := node.children[0]
		if only.count == node.count && only.owner.IDEquals(node.owner) {
			s.folded = append(s.folded, node.frame)
			s.emit(only, parent, parentOwner)
			s.folded = s.folded[:len(s.folded)-1]
			s.stats.Folded++
			return
		}
	}

	if !parent.IsValid() || parentOwner == nil || !parentOwner.IDEquals(node.owner) {
		parent = node.owner.SpanContext()
	}

	span := s.inferredSpan(node, parent)
	sc := parent
	if s.dryRun {
		s.stats.Emitted++
	} else if emitted, err := s.emitter.EmitSpan(span); err != nil {
		s.stats.EmitErrors++
		s.logger.Warn("dropping inferred span",
			zap.String("name", span.Name),
			zap.Int64("thread_id", s.threadID),
			zap.Error(err))
	} else {
		s.stats.Emitted++
		sc = emitted
	}

	saved := s.folded
	s.folded = nil
	for _, c := range node.children {
		s.emit(c, sc, node.owner)
	}
	s.folded = saved
}

func (s *spanifier) inferredSpan(node *CallTree, parent trace.SpanContext) InferredSpan {
	anchor := node.owner.ClockAnchor
	span := InferredSpan{
		Parent:   parent,
		Name:     node.frame.String(),
		Start:    time.Unix(0, s.clock.ToEpochNanos(anchor, node.start)),
		End:      time.Unix(0, s.clock.ToEpochNanos(anchor, node.lastSeen)),
		ThreadID: s.threadID,
		Samples:  node.count,
		Attributes: []attribute.KeyValue{
			IsInferredKey.Bool(true),
			ThreadIDKey.Int64(s.threadID),
			SampleCountKey.Int(node.count),
		},
	}
	if len(s.folded) > 0 {
		span.Attributes = append(span.Attributes, StackTraceKey.String(foldedStackTrace(s.folded)))
	}
	if len(node.childIDs) > 0 {
		span.Links = make([]trace.Link, 0, len(node.childIDs))
		for _, id := range node.childIDs {
			span.Links = append(span.Links, trace.Link{
				SpanContext: id.SpanContext(),
				Attributes:  []attribute.KeyValue{IsChildKey.Bool(true)},
			})
		}
	}
	return span
}

// foldedStackTrace renders folded frames leaf first, one "at" line each.
func foldedStackTrace(frames []StackFrame) string {
	var b strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		b.WriteString("at ")
		b.WriteString(frames[i].String())
		if i > 0 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
