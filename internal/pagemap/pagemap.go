// Package pagemap implements the collector's address→page-metadata
// index: a two-level radix map keyed by the high bits of a page
// address, with a 32-bit allocation bitmap per chunk so sweep can
// find-first-set its way across allocated pages instead of probing
// every slot (spec.md §4.A).
package pagemap

import (
	"sync"
	"unsafe"
)

const chunkPages = 32

// Meta is the metadata a pool page carries, named directly after
// spec.md §3's "Pool page" entity.
type Meta struct {
	Base      unsafe.Pointer
	SizeClass int
	Owner     uintptr // opaque owning-thread identifier

	// FreeBegin/FreeEnd bound the freelist's position within the page,
	// in cell units, letting the quick-sweep skip path rewire the
	// freelist boundary without walking cells (spec.md §4.G).
	FreeBegin, FreeEnd int32
	NFree              int32

	HasMarked bool
	HasYoung  bool

	// PrevFullSweepOldCount is "previous-full-sweep old-count" from
	// spec.md §3, used by the quick-sweep skip heuristic.
	PrevFullSweepOldCount int32

	// Freelist is the head of the freelist sweep just rebuilt for this
	// page. It stays here: the collector does not install it into any
	// thread cache (internal/pool.InstallPage + SetFreelist exist but are
	// not called), and the conservative resolver reads it to tell dead
	// cells from live ones.
	Freelist unsafe.Pointer

	// AgeBits is the per-cell 1-bit age map spec.md §3/§6 requires for
	// the two-sweep promotion rule: bit i set means cell i already
	// survived one sweep as MARKED without being promoted, so the next
	// survival promotes it to OLD. Sized to ncells bits at page
	// acquisition (internal/pool.Allocator.acquirePage).
	AgeBits []byte

	Next *Meta // link within the owning pool's page list
}

// AgeBit reports cell i's age bit.
func (m *Meta) AgeBit(i int) bool {
	return m.AgeBits[i/8]&(1<<uint(i%8)) != 0
}

// SetAgeBit sets or clears cell i's age bit.
func (m *Meta) SetAgeBit(i int, v bool) {
	if v {
		m.AgeBits[i/8] |= 1 << uint(i%8)
	} else {
		m.AgeBits[i/8] &^= 1 << uint(i%8)
	}
}

type l2chunk struct {
	bitmap uint32 // bit i set: pages[i] is occupied
	pages  [chunkPages]*Meta
}

// Map is the two-level radix page table.
type Map struct {
	shift uintptr // log2(page size)
	mu    sync.RWMutex
	l1    map[uintptr]*l2chunk
}

// New returns a Map for pages of the given size (must be a power of two).
func New(pageSize uintptr) *Map {
	shift := uintptr(0)
	for (uintptr(1) << shift) < pageSize {
		shift++
	}
	return &Map{shift: shift, l1: make(map[uintptr]*l2chunk)}
}

func (m *Map) split(addr uintptr) (chunkIdx uintptr, slot uint32) {
	page := addr >> m.shift
	return page / chunkPages, uint32(page % chunkPages)
}

// Insert records page metadata for the page containing addr. The
// allocator calls this on page acquisition (spec.md §4.A: "The
// allocator marks the bitmap on page acquisition").
func (m *Map) Insert(addr uintptr, meta *Meta) {
	chunkIdx, slot := m.split(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.l1[chunkIdx]
	if c == nil {
		c = &l2chunk{}
		m.l1[chunkIdx] = c
	}
	c.bitmap |= 1 << slot
	c.pages[slot] = meta
}

// Remove clears the metadata for the page containing addr, and drops
// the chunk entirely once its subtree has no allocated pages left
// (spec.md §4.A: "the sweep clears bits when a level subtree contains
// no allocated pages").
func (m *Map) Remove(addr uintptr) {
	chunkIdx, slot := m.split(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.l1[chunkIdx]
	if c == nil {
		return
	}
	c.bitmap &^= 1 << slot
	c.pages[slot] = nil
	if c.bitmap == 0 {
		delete(m.l1, chunkIdx)
	}
}

// Lookup returns the page metadata owning any interior pointer addr, or
// nil if addr isn't inside a page this map knows about.
func (m *Map) Lookup(addr uintptr) *Meta {
	chunkIdx, slot := m.split(addr)
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.l1[chunkIdx]
	if c == nil || c.bitmap&(1<<slot) == 0 {
		return nil
	}
	return c.pages[slot]
}

// EachAllocatedPage calls fn once per page currently present in the
// map, using find-first-set over each chunk's bitmap to skip empty
// slots — the acceleration spec.md §4.A calls out for sweep.
func (m *Map) EachAllocatedPage(fn func(*Meta)) {
	m.mu.RLock()
	// Copy chunk pointers out before unlocking: fn may trigger further
	// Insert/Remove calls (e.g. a page being freed mid-sweep) and sweep
	// never runs concurrently with mutators anyway (stop-the-world).
	chunks := make([]*l2chunk, 0, len(m.l1))
	for _, c := range m.l1 {
		chunks = append(chunks, c)
	}
	m.mu.RUnlock()

	for _, c := range chunks {
		bitmap := c.bitmap
		for bitmap != 0 {
			slot := trailingZeros32(bitmap)
			bitmap &^= 1 << slot
			if page := c.pages[slot]; page != nil {
				fn(page)
			}
		}
	}
}

func trailingZeros32(x uint32) uint32 {
	if x == 0 {
		return 32
	}
	n := uint32(0)
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}
