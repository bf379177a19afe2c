package cache

// Ring is a fixed-capacity FIFO buffer. Pushing into a full ring evicts the oldest
// element. It is not safe for concurrent use; callers hold their own lock.
type Ring[T any] struct {
	buf   []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity elements (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Push appends v, evicting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// Latest returns the newest element.
func (r *Ring[T]) Latest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

// Oldest returns the oldest element.
func (r *Ring[T]) Oldest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[r.start], true
}

// At returns the i-th element counted from the oldest.
func (r *Ring[T]) At(i int) T {
	return r.buf[(r.start+i)%len(r.buf)]
}

// Last returns up to n newest elements ordered oldest to newest. n <= 0 returns all.
func (r *Ring[T]) Last(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.At(offset + i)
	}
	return out
}

// DropWhile removes elements from the oldest end while pred holds and returns
// how many were removed.
func (r *Ring[T]) DropWhile(pred func(T) bool) int {
	var zero T
	removed := 0
	for r.size > 0 && pred(r.buf[r.start]) {
		r.buf[r.start] = zero
		r.start = (r.start + 1) % len(r.buf)
		r.size--
		removed++
	}
	return removed
}

// Reset empties the ring without reallocating.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
