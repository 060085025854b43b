// Package objheader defines the tagged value header shared by every
// managed cell (pool, big-object, and otherwise) and the type
// descriptor contract the object-layout subsystem provides, per
// spec.md §3. It is a separate package from the root collector package
// so that internal/pool, internal/bigobj, internal/mark, and
// internal/sweep can all operate on headers without importing the
// public API package (which in turn imports all of them).
package objheader

import (
	"sync/atomic"
	"unsafe"

	"github.com/dynvm/gogc/internal/layout"
)

// GCBits is the two-bit mark state carried in every cell's header word,
// laid out exactly as spec.md §3 specifies so an embedder inspecting the
// raw header bits sees the documented bit patterns.
type GCBits uintptr

const (
	Clean     GCBits = 0b00 // young, unmarked
	Marked    GCBits = 0b01 // young, reached this cycle
	Old       GCBits = 0b10 // promoted, unmarked this cycle
	OldMarked GCBits = 0b11 // promoted and reached
)

const bitsMask = uintptr(0b11)

// IsMarked reports whether bit 0 is set, i.e. the object was reached
// during the current mark phase.
func (b GCBits) IsMarked() bool { return uintptr(b)&1 != 0 }

// IsOld reports whether the object has been promoted out of the young
// generation.
func (b GCBits) IsOld() bool { return uintptr(b)&0b10 != 0 }

func (b GCBits) String() string {
	switch b {
	case Clean:
		return "clean"
	case Marked:
		return "marked"
	case Old:
		return "old"
	case OldMarked:
		return "old_marked"
	default:
		return "invalid"
	}
}

// TypeDescriptor is the object-layout subsystem's contract: for every
// heap type, a size and a pointer-field map. The collector core never
// constructs these; the embedder registers one per type and the pointer
// is packed into every instance's header.
//
// TypeDescriptors must outlive every object that references them, and
// must be pointer-aligned so the low two header bits stay free for
// GCBits — Collector.RegisterType enforces both by keeping the
// descriptor pinned in a Go slice for the collector's lifetime.
type TypeDescriptor struct {
	Name      string
	Size      uintptr
	Layout    layout.Layout
	Finalizes bool // hint: instances of this type commonly carry finalizers

	// Kind selects how the mark loop traverses instances of this type,
	// standing in for spec.md §4.F's "dispatched by the object's type
	// descriptor" using a small "how" field. Plain objects use Layout
	// directly; Array and Module instances carry an extra length/count
	// word right after the header (see internal/mark) and use Layout as
	// the per-element or per-binding pointer map.
	Kind ObjKind
}

// ObjKind distinguishes the handful of traversal shapes the mark loop
// understands, consolidating spec.md §4.F's obj8/16/32 and array8/16
// frame kinds (which differ only in field-offset table width) into one
// generic Layout-driven traversal per shape — see DESIGN.md.
type ObjKind uint8

const (
	KindPlain  ObjKind = iota // struct-shaped: Layout directly maps Size bytes
	KindArray                 // length-prefixed dense array of Layout-shaped elements
	KindModule                // length-prefixed table of always-reachable binding slots
)

// Header is the machine word every managed cell begins with: a
// TypeDescriptor pointer in the high bits, GCBits in the low two bits
// (spec.md §3, "Tagged value header").
type Header struct {
	tag uintptr
}

func pack(t *TypeDescriptor, bits GCBits) uintptr {
	p := uintptr(unsafe.Pointer(t))
	if p&bitsMask != 0 {
		panic("gogc: type descriptor is not pointer-aligned")
	}
	return p | uintptr(bits)
}

// Init stores the initial header for a freshly allocated cell, always
// born CLEAN or OLD=0 per spec.md §4.B step 4 ("Returned cell is marked
// CLEAN").
func (h *Header) Init(t *TypeDescriptor, bits GCBits) {
	atomic.StoreUintptr(&h.tag, pack(t, bits))
}

// At reinterprets a raw cell pointer as its Header, which always lives
// at the cell's first word.
func At(cell unsafe.Pointer) *Header {
	return (*Header)(cell)
}

// Bits loads the current GC bits with the relaxed ordering spec.md §5
// calls for: correctness comes from the stop-the-world fence around
// marking, not from inter-thread ordering of header writes.
func (h *Header) Bits() GCBits {
	return GCBits(atomic.LoadUintptr(&h.tag) & bitsMask)
}

// Type returns the object's type descriptor.
func (h *Header) Type() *TypeDescriptor {
	return (*TypeDescriptor)(unsafe.Pointer(atomic.LoadUintptr(&h.tag) &^ bitsMask))
}

// SetBits overwrites the mark bits, preserving the type pointer.
func (h *Header) SetBits(bits GCBits) {
	for {
		cur := atomic.LoadUintptr(&h.tag)
		nv := (cur &^ bitsMask) | uintptr(bits)
		if atomic.CompareAndSwapUintptr(&h.tag, cur, nv) {
			return
		}
	}
}

// TryMark atomically ORs the Marked bit into the header (spec.md §4.F
// step 1, "try-setmark"). It reports the bits *before* the mark so the
// caller can tell CLEAN from OLD (i.e. whether the object was already
// old) and whether it was already marked this cycle.
func (h *Header) TryMark() (before GCBits, alreadyMarked bool) {
	for {
		cur := atomic.LoadUintptr(&h.tag)
		bits := GCBits(cur & bitsMask)
		if bits.IsMarked() {
			return bits, true
		}
		nv := (cur &^ bitsMask) | uintptr(bits|Marked)
		if atomic.CompareAndSwapUintptr(&h.tag, cur, nv) {
			return bits, false
		}
	}
}
