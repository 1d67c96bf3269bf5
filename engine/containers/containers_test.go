package containers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingQueue(t *testing.T) {
	q := NewRingQueue[int](2)
	assert.True(t, q.IsEmpty())

	require.NoError(t, q.Enqueue(1))
	require.NoError(t, q.Enqueue(2))
	assert.ErrorIs(t, q.Enqueue(3), ErrQueueFull)

	v, err := q.Peek()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, _ = q.Dequeue()
	assert.Equal(t, 1, v)
	require.NoError(t, q.Enqueue(3))
	v, _ = q.Dequeue()
	assert.Equal(t, 2, v)
	v, _ = q.Dequeue()
	assert.Equal(t, 3, v)

	_, err = q.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	assert.Equal(t, 0, q.Len())
}

type record struct {
	name string
}

func TestSlotTableReusesLowestFreeSlot(t *testing.T) {
	table := NewSlotTable[record](4)
	a := table.Allocate()
	b := table.Allocate()
	c := table.Allocate()
	assert.Equal(t, []uint32{0, 1, 2}, []uint32{a, b, c})

	table.Get(b).name = "b"
	table.Destroy(b)
	assert.False(t, table.Valid(b))
	assert.Equal(t, 2, table.Live())

	d := table.Allocate()
	assert.Equal(t, b, d)
	assert.Empty(t, table.Get(d).name, "destroyed slots are reset")
	assert.Equal(t, uint32(3), table.Allocate())
	assert.Equal(t, 4, table.Len())
}

func TestSlotTableEachVisitsLiveSlots(t *testing.T) {
	table := NewSlotTable[record](0)
	for i := 0; i < 3; i++ {
		table.Allocate()
	}
	table.Destroy(1)

	var seen []uint32
	table.Each(func(id uint32, _ *record) { seen = append(seen, id) })
	assert.Equal(t, []uint32{0, 2}, seen)
	assert.False(t, table.Valid(7))
}

func TestFrameRingReleasesAfterNAdvances(t *testing.T) {
	const n = 3
	ring := NewFrameRing[string](n)
	ring.Push("a")

	for i := 0; i < n-1; i++ {
		assert.Empty(t, ring.Advance())
	}
	assert.Equal(t, []string{"a"}, ring.Advance())
	assert.Equal(t, 0, ring.Pending())
	assert.Equal(t, uint64(n), ring.Serial())
}

func TestFrameRingDrainOldestFirst(t *testing.T) {
	ring := NewFrameRing[int](2)
	ring.Push(1)
	ring.Advance()
	ring.Push(2)
	assert.Equal(t, 2, ring.Pending())
	assert.Equal(t, []int{1, 2}, ring.Drain())
	assert.Equal(t, 0, ring.Pending())
}
