package containers

// FrameRing holds one list per frame-in-flight slot. Items pushed while the
// serial is s are released when the serial next reaches s+N.
type FrameRing[T any] struct {
	buckets [][]T
	serial  uint64
}

func NewFrameRing[T any](framesInFlight int) *FrameRing[T] {
	return &FrameRing[T]{
		buckets: make([][]T, framesInFlight),
	}
}

func (r *FrameRing[T]) Push(item T) {
	i := r.serial % uint64(len(r.buckets))
	r.buckets[i] = append(r.buckets[i], item)
}

// Advance moves to the next serial and returns the items that were pushed N
// serials ago. The returned slice is owned by the caller.
func (r *FrameRing[T]) Advance() []T {
	r.serial++
	i := r.serial % uint64(len(r.buckets))
	due := r.buckets[i]
	r.buckets[i] = nil
	return due
}

// Drain empties every bucket, oldest first.
func (r *FrameRing[T]) Drain() []T {
	var all []T
	n := uint64(len(r.buckets))
	for k := uint64(1); k <= n; k++ {
		i := (r.serial + k) % n
		all = append(all, r.buckets[i]...)
		r.buckets[i] = nil
	}
	return all
}

func (r *FrameRing[T]) Serial() uint64 {
	return r.serial
}

func (r *FrameRing[T]) Pending() int {
	n := 0
	for _, b := range r.buckets {
		n += len(b)
	}
	return n
}
