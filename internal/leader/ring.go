package leader

// ring is a fixed-capacity FIFO that reports the element it overwrites.
type ring[T any] struct {
	buf  []T
	next int
	size int
}

func newRing[T any](capacity int) ring[T] {
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (evicted T, ok bool) {
	if r.size == len(r.buf) {
		evicted, ok = r.buf[r.next], true
	} else {
		r.size++
	}
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	return evicted, ok
}

func (r *ring[T]) count() int {
	return r.size
}

// each visits elements oldest first.
func (r *ring[T]) each(fn func(T)) {
	start := (r.next - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	r.each(func(v T) { out = append(out, v) })
	return out
}
