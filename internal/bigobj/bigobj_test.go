package bigobj

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynvm/gogc/internal/objheader"
)

func newTestType() *objheader.TypeDescriptor {
	return &objheader.TypeDescriptor{Name: "T", Size: 64}
}

// fakeHost is a simple malloc/free stand-in backed by Go's own
// allocator, good enough to exercise the allocator's bookkeeping
// without touching the OS.
type fakeHost struct {
	mu    sync.Mutex
	freed map[uintptr]bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{freed: make(map[uintptr]bool)}
}

func (h *fakeHost) alloc(size uintptr) (uintptr, error) {
	buf := make([]byte, size+cacheLineSize)
	addr := alignUp(uintptr(unsafe.Pointer(&buf[0])), cacheLineSize)
	return addr, nil
}

func (h *fakeHost) free(addr uintptr, size uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freed[addr] = true
}

func TestAllocLinksIntoThreadListAndNotifies(t *testing.T) {
	host := newFakeHost()
	var externalAllocs []uintptr
	a := New(host.alloc, host.free)
	a.OnExternalAlloc = func(size uintptr) { externalAllocs = append(externalAllocs, size) }

	typ := newTestType()
	var list List
	r, err := a.Alloc(&list, typ, 128)
	require.NoError(t, err)

	assert.Same(t, list.Head(), r)
	assert.Equal(t, uintptr(128), r.Size)
	assert.Equal(t, uint8(0), r.Age)
	assert.Len(t, externalAllocs, 1)
	assert.False(t, list.Empty())
}

func TestFreeUnlinksAndNotifies(t *testing.T) {
	host := newFakeHost()
	var externalFrees []uintptr
	a := New(host.alloc, host.free)
	a.OnExternalFree = func(size uintptr) { externalFrees = append(externalFrees, size) }

	typ := newTestType()
	var list List
	r, err := a.Alloc(&list, typ, 64)
	require.NoError(t, err)

	a.Free(&list, r)
	assert.True(t, list.Empty())
	assert.Len(t, externalFrees, 1)
	assert.True(t, host.freed[uintptrOf(r)])
}

func TestAgeAndPromoteRequiresTwoSurvivals(t *testing.T) {
	var r Record
	// First survived mark only advances the age counter; no promotion
	// yet (spec.md §3: OLD_MARKED only after the *second* collection).
	assert.False(t, r.AgeAndPromote())
	assert.Equal(t, uint8(1), r.Age)

	// Second survival promotes.
	assert.True(t, r.AgeAndPromote())
	assert.Equal(t, uint8(1), r.Age)

	// Age saturates; further calls keep reporting promotion.
	for i := 0; i < 10; i++ {
		assert.True(t, r.AgeAndPromote())
	}
	assert.Equal(t, uint8(1), r.Age)
}

func TestListPushFrontAndRemoveMultiple(t *testing.T) {
	var list List
	var r1, r2, r3 Record
	list.PushFront(&r1)
	list.PushFront(&r2)
	list.PushFront(&r3)

	var order []*Record
	list.Each(func(r *Record) { order = append(order, r) })
	assert.Equal(t, []*Record{&r3, &r2, &r1}, order)

	list.Remove(&r2)
	order = nil
	list.Each(func(r *Record) { order = append(order, r) })
	assert.Equal(t, []*Record{&r3, &r1}, order)
	assert.Nil(t, r2.Prev)
	assert.Nil(t, r2.Next)
}

func TestEachAllowsUnlinkingCurrentRecord(t *testing.T) {
	var list List
	var r1, r2, r3 Record
	list.PushFront(&r1)
	list.PushFront(&r2)
	list.PushFront(&r3)

	var visited []*Record
	list.Each(func(r *Record) {
		visited = append(visited, r)
		list.Remove(r)
	})
	assert.Len(t, visited, 3)
	assert.True(t, list.Empty())
}

func TestPayloadIsExactlyHeaderSizePastHeader(t *testing.T) {
	host := newFakeHost()
	a := New(host.alloc, host.free)
	typ := newTestType()
	var list List
	r, err := a.Alloc(&list, typ, 32)
	require.NoError(t, err)

	headerAddr := uintptr(unsafe.Pointer(&r.Header))
	assert.Equal(t, headerAddr+unsafe.Sizeof(r.Header), r.Payload())
}
