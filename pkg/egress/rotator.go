package egress

import "sync"

// Rotator hands out items of a fixed pool in strict round-robin order.
// It is safe for concurrent use.
type Rotator[T any] struct {
	mu     sync.Mutex
	items  []T
	cursor int
}

// NewRotator copies items into a new pool
func NewRotator[T any](items []T) *Rotator[T] {
	return &Rotator[T]{items: append([]T(nil), items...)}
}

// Next returns the next item, or false when the pool is empty
func (r *Rotator[T]) Next() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	item := r.items[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.items)
	return item, true
}

// Len returns the pool size
func (r *Rotator[T]) Len() int {
	return len(r.items)
}

// Items returns a copy of the pool in rotation order
func (r *Rotator[T]) Items() []T {
	return append([]T(nil), r.items...)
}
