package containers

// SlotTable maps stable integer handles to records. Freed slots are never
// removed, only marked unused and handed out again by Allocate.
type SlotTable[T any] struct {
	slots []T
	inUse []bool
}

func NewSlotTable[T any](capacity int) *SlotTable[T] {
	return &SlotTable[T]{
		slots: make([]T, 0, capacity),
		inUse: make([]bool, 0, capacity),
	}
}

// Allocate returns the lowest free index, appending a new slot when none is free.
func (t *SlotTable[T]) Allocate() uint32 {
	for i, used := range t.inUse {
		if !used {
			t.inUse[i] = true
			return uint32(i)
		}
	}
	var zero T
	t.slots = append(t.slots, zero)
	t.inUse = append(t.inUse, true)
	return uint32(len(t.slots) - 1)
}

// Get is unchecked: id must have been returned by Allocate and not yet destroyed.
func (t *SlotTable[T]) Get(id uint32) *T {
	return &t.slots[id]
}

// Valid reports whether id refers to a live slot.
func (t *SlotTable[T]) Valid(id uint32) bool {
	return int(id) < len(t.inUse) && t.inUse[id]
}

// Destroy resets the record and frees the slot.
func (t *SlotTable[T]) Destroy(id uint32) {
	var zero T
	t.slots[id] = zero
	t.inUse[id] = false
}

// Len is the number of slots ever allocated, live or free.
func (t *SlotTable[T]) Len() int {
	return len(t.slots)
}

func (t *SlotTable[T]) Live() int {
	n := 0
	for _, used := range t.inUse {
		if used {
			n++
		}
	}
	return n
}

// Each calls fn for every live slot in index order.
func (t *SlotTable[T]) Each(fn func(id uint32, rec *T)) {
	for i := range t.slots {
		if t.inUse[i] {
			fn(uint32(i), &t.slots[i])
		}
	}
}
