package reach

// Ring is a fixed-capacity cyclic store of the most recent insertions,
// addressed in steps back from the latest. Inserting always overwrites
// the slot `capacity` insertions back; the ring never resizes.
//
// It is not synchronized: flows guard their ring with the flow lock.
type Ring[T any] struct {
	slots  []*T
	cursor int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		slots: make([]*T, capacity),
	}
}

func (r *Ring[T]) Capacity() int {
	return len(r.slots)
}

// Insert advances the cursor cyclically and stores v, evicting the
// oldest retained value.
func (r *Ring[T]) Insert(v T) {
	r.cursor = (r.cursor + 1) % len(r.slots)
	r.slots[r.cursor] = &v
}

// GetPrevious returns the value inserted exactly i insertions before the
// most recent one. Out-of-range or never-filled slots are a normal
// "not available" result, not a failure.
func (r *Ring[T]) GetPrevious(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(r.slots) {
		return zero, false
	}
	idx := r.cursor - i
	if idx < 0 {
		idx += len(r.slots)
	}
	slot := r.slots[idx]
	if slot == nil {
		return zero, false
	}
	return *slot, true
}

// GetLatest returns the most recently inserted value.
func (r *Ring[T]) GetLatest() (T, bool) {
	return r.GetPrevious(0)
}
