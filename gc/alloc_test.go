package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeClassForRoundsUp(t *testing.T) {
	class, rounded := sizeClassFor(20)
	assert.Equal(t, 0, class)
	assert.EqualValues(t, 32, rounded)

	class, rounded = sizeClassFor(100000)
	assert.Equal(t, len(sizeClasses)-1, class)
	assert.EqualValues(t, 100000, rounded, "oversize requests get an exact-size block of their own")
}

func TestHeapIsObjectExactMatchOnly(t *testing.T) {
	h := NewHeap(0)
	u, err := h.Allocate(16, 0)
	require.NoError(t, err)

	_, ok := h.IsObject(u.Addr())
	assert.True(t, ok)

	_, ok = h.IsObject(u.Addr() + 1)
	assert.False(t, ok, "an interior address must never resolve to the containing unit")

	h.Free(u)
	_, ok = h.IsObject(u.Addr())
	assert.False(t, ok, "a freed address is no longer an object")
}

func TestHeapAllocateRespectsLimit(t *testing.T) {
	h := NewHeap(64)
	_, err := h.Allocate(32, 0)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestHeapBlockReusesFreedSlot(t *testing.T) {
	h := NewHeap(0)
	u1, err := h.Allocate(16, 0)
	require.NoError(t, err)
	h.Free(u1)

	u2, err := h.Allocate(16, 0)
	require.NoError(t, err)
	assert.NotEqual(t, u1.Addr(), u2.Addr(), "freed slots are reused by index, not by address")
	assert.Same(t, u1.block, u2.block)
	assert.Equal(t, u1.index, u2.index, "the freed slot is handed out again")
}

// A unit can only ever belong to one intrusive list at a time; a second
// Append without an intervening Remove is a programming error, never a
// silent corruption of the first list's links.
func TestListAppendRejectsDoubleMembership(t *testing.T) {
	h := NewHeap(0)
	u, err := h.Allocate(16, 0)
	require.NoError(t, err)

	l1 := NewList("a")
	l2 := NewList("b")
	l1.Append(u)

	assert.Panics(t, func() {
		l2.Append(u)
	})
}

func TestListMoveToTransfersMembership(t *testing.T) {
	h := NewHeap(0)
	u, err := h.Allocate(16, 0)
	require.NoError(t, err)

	l1 := NewList("a")
	l2 := NewList("b")
	l1.Append(u)

	l2.MoveTo(u)
	assert.True(t, l1.Empty())
	assert.Same(t, u, l2.PopFront())
}

func TestListEachAllowsUnlinkingCurrent(t *testing.T) {
	h := NewHeap(0)
	l := NewList("x")
	dst := NewList("y")

	var units []*Unit
	for i := 0; i < 5; i++ {
		u, err := h.Allocate(16, 0)
		require.NoError(t, err)
		l.Append(u)
		units = append(units, u)
	}

	var seen int
	l.Each(func(u *Unit) bool {
		seen++
		dst.MoveTo(u)
		return true
	})

	assert.Equal(t, 5, seen)
	assert.True(t, l.Empty())
	for _, u := range units {
		assert.Same(t, dst, u.list)
	}
}

func TestClassRegistryRejectsDuplicateIndex(t *testing.T) {
	r := NewClassRegistry()
	require.NoError(t, r.RegisterFixed(0, "a"))
	assert.ErrorIs(t, r.RegisterFixed(0, "b"), ErrAlreadyRegistered)
}

func TestClassRegistryRejectsOutOfRangeIndex(t *testing.T) {
	r := NewClassRegistry()
	assert.ErrorIs(t, r.RegisterFixed(MaxAllocClasses, "oops"), ErrIndexOutOfRange)
	assert.ErrorIs(t, r.RegisterFixed(-1, "oops"), ErrIndexOutOfRange)
}
