package finalizer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTagsNativeBit(t *testing.T) {
	var list ThreadList
	m := NewManager(nil)
	m.Add(&list, 0x1000, 0x2000, true)

	entries := list.Snapshot()
	require.Len(t, entries, 1)
	ptr, native, freed := DecodeEntry(entries[0])
	assert.Equal(t, uintptr(0x1000), ptr)
	assert.True(t, native)
	assert.False(t, freed)
}

func TestAddQuiescentTagsBothBits(t *testing.T) {
	var list ThreadList
	m := NewManager(nil)
	m.AddQuiescent(&list, 0x1000, 0x2000)

	entries := list.Snapshot()
	require.Len(t, entries, 1)
	ptr, native, freed := DecodeEntry(entries[0])
	assert.Equal(t, uintptr(0x1000), ptr)
	assert.True(t, native)
	assert.True(t, freed)
}

func TestPartitionBySweepSplitsByReachability(t *testing.T) {
	var list ThreadList
	list.Add(taggedObjSlot(0x10, false, false), 0x10) // reachable
	list.Add(taggedObjSlot(0x20, false, false), 0x20) // unreachable
	list.Add(taggedObjSlot(0x30, true, true), 0x30)   // already freed/quiescent

	isMarked := func(ptr uintptr) bool { return ptr == 0x10 }
	keep, toFinalize, marked := list.partitionBySweep(isMarked)

	assert.Empty(t, keep)
	assert.Len(t, marked, 1)
	assert.Len(t, toFinalize, 2)

	markedPtr, _, _ := DecodeEntry(marked[0])
	assert.Equal(t, uintptr(0x10), markedPtr)

	var toFinalizePtrs []uintptr
	for _, e := range toFinalize {
		p, _, freed := DecodeEntry(e)
		assert.True(t, freed)
		toFinalizePtrs = append(toFinalizePtrs, p)
	}
	assert.ElementsMatch(t, []uintptr{0x20, 0x30}, toFinalizePtrs)
}

func TestSweepFinalizerListsAcrossThreads(t *testing.T) {
	m := NewManager(nil)
	var t1, t2 ThreadList
	t1.Add(taggedObjSlot(0x10, false, false), 0)
	t2.Add(taggedObjSlot(0x20, false, false), 0)

	isMarked := func(ptr uintptr) bool { return ptr == 0x10 }
	m.SweepFinalizerLists([]*ThreadList{&t1, &t2}, isMarked)

	assert.Len(t, m.ToFinalize, 1)
	assert.Len(t, m.ListMarked, 1)

	snap := m.ListMarkedSnapshot()
	require.Len(t, snap, 1)
	ptr, _, _ := DecodeEntry(snap[0])
	assert.Equal(t, uintptr(0x10), ptr)
}

func TestRunExecutesInReverseOrder(t *testing.T) {
	m := NewManager(nil)
	var order []uintptr
	var mu sync.Mutex
	FinalizerThunk = func(obj, fn uintptr) {
		mu.Lock()
		order = append(order, obj)
		mu.Unlock()
	}
	defer func() { FinalizerThunk = nil }()

	var list ThreadList
	m.Add(&list, 0x10, 0, true)
	m.Add(&list, 0x20, 0, true)
	m.Add(&list, 0x30, 0, true)

	entries := list.Snapshot()
	m.run(entries)

	assert.Equal(t, []uintptr{0x30, 0x20, 0x10}, order)
}

func TestRunContainsPanicAndRunsRemainder(t *testing.T) {
	m := NewManager(nil)
	var ran []uintptr
	FinalizerThunk = func(obj, fn uintptr) {
		if obj == 0x20 {
			panic("boom")
		}
		ran = append(ran, obj)
	}
	defer func() { FinalizerThunk = nil }()

	var list ThreadList
	m.Add(&list, 0x10, 0, true)
	m.Add(&list, 0x20, 0, true)
	m.Add(&list, 0x30, 0, true)

	assert.NotPanics(t, func() { m.run(list.Snapshot()) })
	assert.ElementsMatch(t, []uintptr{0x10, 0x30}, ran)
}

func TestRunPendingSkippedWhileInhibited(t *testing.T) {
	m := NewManager(nil)
	var ran []uintptr
	FinalizerThunk = func(obj, fn uintptr) { ran = append(ran, obj) }
	defer func() { FinalizerThunk = nil }()

	m.PushReady([]Entry{{ObjSlot: taggedObjSlot(0x10, true, false)}})

	m.Inhibit()
	m.RunPending()
	assert.Empty(t, ran)

	m.Uninhibit()
	m.RunPending()
	assert.Equal(t, []uintptr{0x10}, ran)
}

func TestRunPendingSkippedWhileAlreadyInFinalizer(t *testing.T) {
	m := NewManager(nil)
	var nestedRan bool
	FinalizerThunk = func(obj, fn uintptr) {
		m.PushReady([]Entry{{ObjSlot: taggedObjSlot(0x2, true, false)}})
		m.RunPending() // must be a no-op: already inside a finalizer
		nestedRan = true
	}
	defer func() { FinalizerThunk = nil }()

	m.PushReady([]Entry{{ObjSlot: taggedObjSlot(0x1, true, false)}})
	m.RunPending()

	assert.True(t, nestedRan)
	// The nested entry queued during the running finalizer is still
	// pending, proving the inner RunPending call didn't drain it.
	assert.Len(t, m.ToFinalize, 1)
}

func TestFinalizeExtractsFromMarkedAndThreadLists(t *testing.T) {
	m := NewManager(nil)
	var ran []uintptr
	FinalizerThunk = func(obj, fn uintptr) { ran = append(ran, obj) }
	defer func() { FinalizerThunk = nil }()

	m.ListMarked = append(m.ListMarked, Entry{ObjSlot: taggedObjSlot(0x10, true, false)})
	var list ThreadList
	list.Add(taggedObjSlot(0x20, true, false), 0)
	list.Add(taggedObjSlot(0x30, true, false), 0) // different object, must survive

	m.Finalize([]*ThreadList{&list}, 0x20)

	assert.ElementsMatch(t, []uintptr{0x20}, ran)
	remaining := list.Snapshot()
	require.Len(t, remaining, 1)
	ptr, _, _ := DecodeEntry(remaining[0])
	assert.Equal(t, uintptr(0x30), ptr)
	// The marked-list entry for a different object is untouched.
	assert.Len(t, m.ListMarked, 1)
}

func TestRunPendingSkippedWhileDisabled(t *testing.T) {
	m := NewManager(nil)
	var ran []uintptr
	FinalizerThunk = func(obj, fn uintptr) { ran = append(ran, obj) }
	defer func() { FinalizerThunk = nil }()

	m.PushReady([]Entry{{ObjSlot: taggedObjSlot(0x10, true, false)}})

	m.Disable()
	m.RunPending()
	assert.Empty(t, ran)

	m.Enable()
	m.RunPending()
	assert.Equal(t, []uintptr{0x10}, ran)
}

func TestEnableDoubleCallWarnsButDoesNotPanic(t *testing.T) {
	m := NewManager(nil)
	assert.True(t, m.Enabled())
	assert.NotPanics(t, func() { m.Enable() })
	assert.True(t, m.Enabled())
}
