package inferz

import (
	"fmt"
	"sort"
	"strings"
)

// CallTree is a node of the call tree built for one thread during one
// correlation pass. Each non-root node is an inferred span candidate: a run
// of consecutive samples sharing the same frame at the same depth.
type CallTree struct {
	frame    StackFrame
	parent   *CallTree
	children []*CallTree
	owner    *TraceContext   // real span active when the node was created
	childIDs []*TraceContext // real spans activated while the node was on the stack
	start    int64
	lastSeen int64
	count    int
	open     bool
}

// ResetState zeroes every field.
func (n *CallTree) ResetState() {
	*n = CallTree{}
}

// Frame returns the frame of the node.
func (n *CallTree) Frame() StackFrame { return n.frame }

// Children returns the child nodes in order of first appearance.
func (n *CallTree) Children() []*CallTree { return n.children }

// Count returns the number of samples that contained the node.
func (n *CallTree) Count() int { return n.count }

// Owner returns the real span the node was created under.
func (n *CallTree) Owner() *TraceContext { return n.owner }

// DurationNanos returns the monotonic time between the first and the last
// sample containing the node.
func (n *CallTree) DurationNanos() int64 { return n.lastSeen - n.start }

func (n *CallTree) String() string {
	var b strings.Builder
	n.describe(&b, 0)
	return b.String()
}

func (n *CallTree) describe(b *strings.Builder, depth int) {
	name := n.frame.String()
	if n.parent == nil {
		name = "root"
	}
	fmt.Fprintf(b, "%s%s count=%d start=%d end=%d\n", strings.Repeat("  ", depth), name, n.count, n.start, n.lastSeen)
	for _, c := range n.children {
		c.describe(b, depth+1)
	}
}

// treeBuilder replays one thread's activation events and stack samples in
// timestamp order and builds a call tree per outermost span activation.
type treeBuilder struct {
	nodes    *ObjectPool[*CallTree]
	contexts *ObjectPool[*TraceContext]
	filter   FrameFilter

	active   []*TraceContext
	acquired []*TraceContext
	root     *CallTree
	path     []*CallTree
	frames   []StackFrame
	finished []*CallTree

	droppedSamples int
	orphaned       int
}

func newTreeBuilder(nodes *ObjectPool[*CallTree], contexts *ObjectPool[*TraceContext], filter FrameFilter) *treeBuilder {
	return &treeBuilder{nodes: nodes, contexts: contexts, filter: filter}
}

// build processes a thread window and returns the finished call trees.
func (b *treeBuilder) build(batch *ActivationBatch, samples []StackSample) ([]*CallTree, error) {
	for i := range batch.Initial {
		b.activate(&batch.Initial[i])
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})

	events := batch.Events
	ei := 0
	for si := range samples {
		s := &samples[si]
		for ; ei < len(events) && events[ei].Timestamp <= s.Timestamp; ei++ {
			if err := b.apply(&events[ei]); err != nil {
				return b.finished, err
			}
		}
		b.addSample(s)
	}
	for ; ei < len(events); ei++ {
		if err := b.apply(&events[ei]); err != nil {
			return b.finished, err
		}
	}
	if b.root != nil {
		b.finishRoot()
	}
	return b.finished, nil
}

func (b *treeBuilder) apply(e *ActivationEvent) error {
	switch e.Kind {
	case Activate:
		b.activate(&e.Context)
	case Deactivate:
		return b.deactivate(&e.Context)
	default:
		return fmt.Errorf("%w: unknown activation event kind %d", ErrCorrelation, e.Kind)
	}
	return nil
}

func (b *treeBuilder) activate(enc *EncodedContext) {
	ctx := b.contexts.Acquire()
	enc.Decode(ctx)
	b.acquired = append(b.acquired, ctx)

	if len(b.active) == 0 {
		b.root = b.nodes.Acquire()
		b.root.owner = ctx
		b.root.open = true
	} else if n := len(b.path); n > 0 {
		// The real span starts below the deepest frame currently on the stack.
		b.path[n-1].childIDs = append(b.path[n-1].childIDs, ctx)
	}
	b.active = append(b.active, ctx)
}

func (b *treeBuilder) deactivate(enc *EncodedContext) error {
	n := len(b.active)
	if n == 0 {
		b.orphaned++
		return nil
	}
	top := b.active[n-1]
	if !QuickCompareTraceAndSpanID(enc[:], 0, top) {
		ended := DecodeTraceContext(enc[:], 0)
		return fmt.Errorf("%w: deactivation of %s while %s is innermost", ErrCorrelation, &ended, top)
	}
	b.active = b.active[:n-1]

	// Frames opened under the ended span cannot continue.
	for i, node := range b.path {
		if node.owner == top {
			b.closePath(i)
			break
		}
	}
	if len(b.active) == 0 {
		b.finishRoot()
	}
	return nil
}

func (b *treeBuilder) addSample(s *StackSample) {
	if len(b.active) == 0 {
		b.droppedSamples++
		return
	}
	owner := b.active[len(b.active)-1]

	b.frames = b.frames[:0]
	for _, f := range s.Frames {
		if b.filter.Accepts(f) {
			b.frames = append(b.frames, f)
		}
	}

	root := b.root
	if root.count == 0 {
		root.start = s.Timestamp
	}
	root.count++
	root.lastSeen = s.Timestamp

	i := 0
	for ; i < len(b.frames) && i < len(b.path); i++ {
		node := b.path[i]
		if node.frame != b.frames[i] {
			break
		}
		node.count++
		node.lastSeen = s.Timestamp
	}
	b.closePath(i)

	for ; i < len(b.frames); i++ {
		parent := root
		if i > 0 {
			parent = b.path[i-1]
		}
		node := b.nodes.Acquire()
		node.frame = b.frames[i]
		node.parent = parent
		node.owner = owner
		node.start = s.Timestamp
		node.lastSeen = s.Timestamp
		node.count = 1
		node.open = true
		parent.children = append(parent.children, node)
		b.path = append(b.path, node)
	}
}

// closePath ends every open node from depth i down.
func (b *treeBuilder) closePath(i int) {
	for _, node := range b.path[i:] {
		node.open = false
	}
	b.path = b.path[:i]
}

func (b *treeBuilder) finishRoot() {
	b.closePath(0)
	b.root.open = false
	b.finished = append(b.finished, b.root)
	b.root = nil
}

// release returns every node and context acquired by the builder.
func (b *treeBuilder) release() {
	for _, root := range b.finished {
		b.releaseTree(root)
	}
	if b.root != nil {
		b.releaseTree(b.root)
	}
	for _, ctx := range b.acquired {
		b.contexts.Release(ctx)
	}
	clear(b.active)
	clear(b.acquired)
	clear(b.path)
	clear(b.finished)
	b.active = b.active[:0]
	b.acquired = b.acquired[:0]
	b.path = b.path[:0]
	b.finished = b.finished[:0]
	b.root = nil
	b.droppedSamples = 0
	b.orphaned = 0
}

func (b *treeBuilder) releaseTree(n *CallTree) {
	for _, c := range n.children {
		b.releaseTree(c)
	}
	b.nodes.Release(n)
}
