package pool

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynvm/gogc/internal/pagehost"
	"github.com/dynvm/gogc/internal/pagemap"
)

const testPageSize = 4096

func newTestAllocator() *Allocator {
	return New(pagehost.New(testPageSize), pagemap.New(testPageSize), DefaultSizeClasses)
}

func TestClassFor(t *testing.T) {
	a := newTestAllocator()
	assert.Equal(t, 0, a.ClassFor(1))
	assert.Equal(t, 0, a.ClassFor(16))
	assert.Equal(t, 1, a.ClassFor(17))
	assert.Equal(t, len(DefaultSizeClasses)-1, a.ClassFor(4096))
	assert.Equal(t, -1, a.ClassFor(4097))
}

func TestAllocBumpsWithinOnePage(t *testing.T) {
	a := newTestAllocator()
	c := a.NewCache(1)

	classIdx := 3 // 64-byte cells
	first, err := a.Alloc(c, classIdx)
	require.NoError(t, err)
	second, err := a.Alloc(c, classIdx)
	require.NoError(t, err)

	assert.Equal(t, a.Classes[classIdx].CellSize, uintptr(second)-uintptr(first))
	assert.Len(t, c.NewPages, 1)

	meta := a.PageMap.Lookup(uintptr(first))
	require.NotNil(t, meta)
	assert.Same(t, meta, a.PageMap.Lookup(uintptr(second)))
}

func TestFreeAndReallocPopsFreelist(t *testing.T) {
	a := newTestAllocator()
	c := a.NewCache(1)
	classIdx := 0 // 16-byte cells

	cell, err := a.Alloc(c, classIdx)
	require.NoError(t, err)
	meta := a.PageMap.Lookup(uintptr(cell))
	nfreeBeforeFree := meta.NFree

	a.Free(c, classIdx, cell)
	assert.Equal(t, nfreeBeforeFree+1, meta.NFree)

	reused, err := a.Alloc(c, classIdx)
	require.NoError(t, err)
	assert.Equal(t, cell, reused)
}

func TestFreelistNeverCrossesPageBoundary(t *testing.T) {
	a := newTestAllocator()
	c := a.NewCache(1)
	classIdx := 0 // 16-byte cells, ~256 per 4096-byte page

	cellsPerPage := int(testPageSize / a.Classes[classIdx].CellSize)
	var cells []unsafe.Pointer
	for i := 0; i < cellsPerPage+5; i++ {
		cell, err := a.Alloc(c, classIdx)
		require.NoError(t, err)
		cells = append(cells, cell)
	}
	assert.Len(t, c.NewPages, 2)

	for _, cell := range cells {
		a.Free(c, classIdx, cell)
	}

	// Walk the freelist and confirm every cell in it shares the same
	// page metadata as its immediate successor once dereferenced.
	head := c.freelist[classIdx]
	seenPages := make(map[*pagemap.Meta]int)
	for head != 0 {
		meta := a.PageMap.Lookup(uintptr(head))
		require.NotNil(t, meta)
		seenPages[meta]++
		head = head.next()
	}
	assert.Len(t, seenPages, 2)
}

func TestInvalidClassIndexErrors(t *testing.T) {
	a := newTestAllocator()
	c := a.NewCache(1)
	_, err := a.Alloc(c, len(a.Classes))
	assert.Error(t, err)
	_, err = a.Alloc(c, -1)
	assert.Error(t, err)
}

func TestSetFreelistInstallsHeadDirectly(t *testing.T) {
	a := newTestAllocator()
	c := a.NewCache(1)
	classIdx := 0

	cell, err := a.Alloc(c, classIdx)
	require.NoError(t, err)
	*(*gclinkptr)(cell) = 0

	a.SetFreelist(c, classIdx, cell)
	assert.Equal(t, gclinkptr(uintptr(cell)), c.freelist[classIdx])
}
