package inferz

import (
	"sync/atomic"
)

// Recyclable is implemented by pooled objects.
// ResetState must return every field to its zero value.
type Recyclable interface {
	ResetState()
}

// ObjectPool keeps released instances for reuse to keep correlation
// allocation-free in steady state. Safe for concurrent use.
type ObjectPool[T Recyclable] struct {
	allocate  func() T
	items     chan T
	allocated atomic.Uint64
}

// NewObjectPool creates a pool retaining at most capacity idle instances.
func NewObjectPool[T Recyclable](capacity int, allocate func() T) *ObjectPool[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ObjectPool[T]{
		items:    make(chan T, capacity),
		allocate: allocate,
	}
}

// Acquire returns a previously released instance, or a new one if the
// pool is empty.
func (p *ObjectPool[T]) Acquire() T {
	select {
	case item := <-p.items:
		return item
	default:
		// Pool empty, allocate directly.
		p.allocated.Add(1)
		return p.allocate()
	}
}

// Release resets item and returns it to the pool. If the pool is already
// full the instance is left to the garbage collector.
func (p *ObjectPool[T]) Release(item T) {
	item.ResetState()
	select {
	case p.items <- item:
	default:
	}
}

// Idle returns the number of instances waiting for reuse.
func (p *ObjectPool[T]) Idle() int {
	return len(p.items)
}

// Allocated returns how many instances the pool had to create.
func (p *ObjectPool[T]) Allocated() uint64 {
	return p.allocated.Load()
}
