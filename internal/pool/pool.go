// Package pool implements the size-classed, per-thread bump/freelist
// allocator described in spec.md §4.B. It knows nothing about GC
// cycles or mark bits; the collector core layers the allocation-counter
// safepoint check and header initialization on top (spec.md §4.B step
// 1 and step 4 belong to the caller).
package pool

import (
	"fmt"
	"unsafe"

	"github.com/dynvm/gogc/internal/pagehost"
	"github.com/dynvm/gogc/internal/pagemap"
)

// SizeClass describes one pool size class.
type SizeClass struct {
	CellSize uintptr
}

// DefaultSizeClasses is a small geometric size-class table, playing the
// role sizeclasses.go plays for the Go runtime's mcache/mcentral.
var DefaultSizeClasses = []SizeClass{
	{16}, {32}, {48}, {64}, {96}, {128}, {192}, {256},
	{384}, {512}, {768}, {1024}, {1536}, {2048}, {3072}, {4096},
}

// gclinkptr is a pointer to a free cell, opaque to the collector the
// same way mcache.go's gclinkptr is: the word it points at is reused as
// link storage only while the cell is free.
type gclinkptr uintptr

func (p gclinkptr) next() gclinkptr {
	return *(*gclinkptr)(unsafe.Pointer(p))
}

// Allocator owns the size classes and the page source; it is shared by
// every thread's Cache.
type Allocator struct {
	Pages   *pagehost.Source
	PageMap *pagemap.Map
	Classes []SizeClass
}

// New builds an Allocator over the given page source, page map, and
// size classes. It does not check that a page can hold a cell of the
// largest class.
func New(pages *pagehost.Source, pmap *pagemap.Map, classes []SizeClass) *Allocator {
	return &Allocator{Pages: pages, PageMap: pmap, Classes: classes}
}

// ClassFor returns the smallest size class able to hold size bytes, or
// -1 if size exceeds the pool's largest class (the caller should fall
// back to the big-object allocator).
func (a *Allocator) ClassFor(size uintptr) int {
	for i, c := range a.Classes {
		if size <= c.CellSize {
			return i
		}
	}
	return -1
}

// bumpState tracks where a thread's bump cursor is within its current
// "newpages" head for one size class (spec.md §3: "list of newly
// allocated pages").
type bumpState struct {
	page   *pagemap.Meta
	offset uintptr
}

// Cache is one thread's pool allocator state: owned freelists and bump
// cursors per size class (spec.md §3, "Thread-local heap state").
type Cache struct {
	Owner     uintptr
	freelist  []gclinkptr
	bump      []bumpState
	NewPages  []*pagemap.Meta // pages this thread bump-allocated into this cycle
}

// NewCache allocates per-class slots for a thread.
func (a *Allocator) NewCache(owner uintptr) *Cache {
	return &Cache{
		Owner:    owner,
		freelist: make([]gclinkptr, len(a.Classes)),
		bump:     make([]bumpState, len(a.Classes)),
	}
}

// Alloc implements spec.md §4.B's three-step algorithm (steps 2-3; step
// 1, the allocation-counter safepoint check, lives in the collector
// driver which wraps this call).
func (a *Allocator) Alloc(c *Cache, classIdx int) (unsafe.Pointer, error) {
	if classIdx < 0 || classIdx >= len(a.Classes) {
		return nil, fmt.Errorf("pool: invalid size class %d", classIdx)
	}
	cellSize := a.Classes[classIdx].CellSize

	// Fast path: pop the freelist head. A page's freelist is entirely
	// self-contained (the containment invariant in spec.md §8 property
	// 4), so the freelist head and its successor always belong to the
	// same page metadata.
	if head := c.freelist[classIdx]; head != 0 {
		next := head.next()
		c.freelist[classIdx] = next
		if meta := a.PageMap.Lookup(uintptr(head)); meta != nil {
			meta.NFree--
			meta.HasYoung = true
			if next == 0 {
				// spec.md §4.B step 2: "If the popped cell resides on a
				// different page than the next cell, update the
				// just-emptied page's metadata (nfree=0, has_young=1)."
				meta.NFree = 0
			}
		}
		return unsafe.Pointer(head), nil
	}

	// Bump-allocate from the current newpages head; fetch a fresh page
	// from the host allocator when exhausted.
	bs := &c.bump[classIdx]
	if bs.page == nil || bs.offset+cellSize > a.Pages.PageSize() {
		page, err := a.acquirePage(c, classIdx)
		if err != nil {
			return nil, err
		}
		bs.page = page
		bs.offset = 0
	}
	cellAddr := uintptr(bs.page.Base) + bs.offset
	bs.offset += cellSize
	bs.page.NFree--
	bs.page.HasYoung = true
	return unsafe.Pointer(cellAddr), nil
}

// Free prepends cell to the freelist of the page it belongs to.
// Invariant preserved: freelists never cross page boundaries
// (spec.md §4.B).
func (a *Allocator) Free(c *Cache, classIdx int, cell unsafe.Pointer) {
	p := gclinkptr(uintptr(cell))
	*(*gclinkptr)(cell) = c.freelist[classIdx]
	c.freelist[classIdx] = p
	if meta := a.PageMap.Lookup(uintptr(cell)); meta != nil {
		meta.NFree++
	}
}

// SetFreelist installs a freelist head built by sweep directly,
// bypassing repeated Free calls.
func (a *Allocator) SetFreelist(c *Cache, classIdx int, head unsafe.Pointer) {
	c.freelist[classIdx] = gclinkptr(uintptr(head))
}

func (a *Allocator) acquirePage(c *Cache, classIdx int) (*pagemap.Meta, error) {
	raw, err := a.Pages.Acquire()
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	cellSize := a.Classes[classIdx].CellSize
	ncells := int32(a.Pages.PageSize() / cellSize)
	meta := &pagemap.Meta{
		Base:      raw,
		SizeClass: classIdx,
		Owner:     c.Owner,
		NFree:     ncells,
		FreeEnd:   ncells,
		AgeBits:   make([]byte, (ncells+7)/8),
	}
	a.PageMap.Insert(uintptr(raw), meta)
	c.NewPages = append(c.NewPages, meta)
	return meta, nil
}

// InstallPage lets sweep hand a fully-swept page back to the cache as
// the new bump/newpages head instead of releasing it to the host,
// honoring the page-retention quota (spec.md §4.G).
// InstallPage disables further bump allocation into meta (it was
// already fully carved into cells before this sweep) so the cache falls
// through to the freelist sweep just rebuilt via SetFreelist.
func (a *Allocator) InstallPage(c *Cache, classIdx int, meta *pagemap.Meta) {
	c.bump[classIdx] = bumpState{page: meta, offset: a.Pages.PageSize()}
}
