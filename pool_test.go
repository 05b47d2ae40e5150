package inferz

import (
	"reflect"
	"sync"
	"testing"
)

// TestObjectPoolHygiene verifies released instances come back zeroed.
func TestObjectPoolHygiene(t *testing.T) {
	pool := NewObjectPool(4, func() *TraceContext { return &TraceContext{} })

	for i := 0; i < 10; i++ {
		tc := pool.Acquire()
		if !tc.IsZero() {
			t.Fatalf("cycle %d: acquired non-zero context %s", i, tc)
		}
		tc.TraceIDLow = uint64(i + 1)
		tc.TraceIDHigh = 7
		tc.SpanID = 9
		tc.Flags = 1
		tc.ClockAnchor = -42
		pool.Release(tc)
	}
}

// TestObjectPoolReuse verifies released instances are handed out again
// before new ones are allocated.
func TestObjectPoolReuse(t *testing.T) {
	pool := NewObjectPool(2, func() *CallTree { return &CallTree{} })

	a := pool.Acquire()
	owner := &TraceContext{SpanID: 1}
	child := &CallTree{count: 1}
	*a = CallTree{
		frame:    workFrame,
		parent:   &CallTree{},
		children: []*CallTree{child},
		owner:    owner,
		childIDs: []*TraceContext{owner},
		start:    10,
		lastSeen: 20,
		count:    5,
		open:     true,
	}
	pool.Release(a)

	b := pool.Acquire()
	if a != b {
		t.Error("Expected released node to be reused")
	}
	if !reflect.DeepEqual(*b, CallTree{}) {
		t.Errorf("Expected fully reset node, got %+v", *b)
	}
	if pool.Allocated() != 1 {
		t.Errorf("Expected 1 allocation, got %d", pool.Allocated())
	}
}

// TestObjectPoolOverflow verifies a full pool leaves extra instances to
// the garbage collector.
func TestObjectPoolOverflow(t *testing.T) {
	pool := NewObjectPool(1, func() *TraceContext { return &TraceContext{} })

	a, b := pool.Acquire(), pool.Acquire()
	pool.Release(a)
	pool.Release(b)

	if pool.Idle() != 1 {
		t.Errorf("Expected 1 idle instance, got %d", pool.Idle())
	}
	if pool.Allocated() != 2 {
		t.Errorf("Expected 2 allocations, got %d", pool.Allocated())
	}
}

// TestObjectPoolConcurrentAccess tests concurrent acquire/release cycles.
func TestObjectPoolConcurrentAccess(t *testing.T) {
	pool := NewObjectPool(16, func() *TraceContext { return &TraceContext{} })

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tc := pool.Acquire()
				if !tc.IsZero() {
					errs <- "acquired dirty context"
					return
				}
				tc.SpanID = uint64(g*1000 + i + 1)
				pool.Release(tc)
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	if pool.Idle() > 16 {
		t.Errorf("Expected at most 16 idle instances, got %d", pool.Idle())
	}
}
