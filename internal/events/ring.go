package events

import "sync"

// Ring keeps the most recent items up to a fixed capacity. It is safe for
// concurrent use and always hands out copies.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	n     int
	total int64
}

// NewRing returns a ring holding at most capacity items (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, overwriting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(v)
}

func (r *Ring[T]) push(v T) {
	idx := (r.start + r.n) % len(r.items)
	r.items[idx] = v
	if r.n < len(r.items) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.items)
	}
	r.total++
}

// Fill appends vs in order without counting them as new pushes.
func (r *Ring[T]) Fill(vs []T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.total
	for _, v := range vs {
		r.push(v)
	}
	r.total = total
}

// Snapshot returns up to limit of the newest items, oldest first. A limit
// of zero or less returns everything held.
func (r *Ring[T]) Snapshot(limit int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]T, n)
	skip := r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.items[(r.start+skip+i)%len(r.items)]
	}
	return out
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.n == 0 {
		return zero, false
	}
	return r.items[(r.start+r.n-1)%len(r.items)], true
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Total returns how many items were pushed since creation or the last Reset.
func (r *Ring[T]) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reset drops all items.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.start, r.n, r.total = 0, 0, 0
}
