// Package layout describes the pointer-field map of a heap object's type.
//
// A Layout is the contract the object-layout subsystem hands to the
// collector for every allocation: given a cell's payload, which words are
// pointers and which aren't. The packing mirrors the one used by
// TinyGo's precise GC (see internal/gclayout and runtime/gc_precise.go in
// the reference tree this package is adapted from): small layouts are
// packed directly into the uintptr, large ones point at an out-of-line
// bitmap.
package layout

import "unsafe"

const ptrSize = unsafe.Sizeof(uintptr(0))

// sizeBits is the number of bits reserved to store how many pointer-sized
// slots the inline bitmask describes.
const sizeBits = 4 + ptrSize/4

const sizeShift = sizeBits + 1

// Layout packs either an inline pointer bitmask or a pointer to an
// out-of-line descriptor.
//
//   - Layout(0): unknown layout, must be scanned conservatively.
//   - low bit set: inline layout. Bits [1:sizeShift) hold the slot count,
//     bits [sizeShift:) hold the pointer bitmask, one bit per slot.
//   - low bit clear, value != 0: pointer to a Descriptor.
type Layout uintptr

// Descriptor is the out-of-line form used for structs and arrays whose
// pointer bitmap doesn't fit in a single machine word.
type Descriptor struct {
	Slots uintptr // number of pointer-sized slots described by Bits
	Bits  []byte  // bit i set => slot i may hold a pointer
}

// Conservative is the sentinel layout meaning "scan every word as a
// potential pointer". It is what a type-inference front end hands the
// collector when it cannot prove a field's shape.
const Conservative Layout = 0

// Common presets, named the way gclayout.go names them.
var (
	NoPtrs  = inline(0, 0)
	Pointer = inline(1, 0b1)
	String  = inline(2, 0b01)  // {ptr, len}
	Slice   = inline(3, 0b011) // {ptr, len, cap}, but cap isn't scanned
)

func inline(slots uintptr, mask uintptr) Layout {
	return Layout(uintptr(1) | (slots << 1) | (mask << sizeShift))
}

// Of builds an inline layout for an arbitrary slot count/pointer mask if
// it fits in a machine word, otherwise stores bits out-of-line and
// returns a pointer layout referencing descriptor, which the caller must
// keep alive for as long as any object uses this layout (the collector
// never frees a Descriptor).
func Of(slots uintptr, bits []byte) Layout {
	if slots <= sizeBits {
		var mask uintptr
		for i := uintptr(0); i < slots; i++ {
			if bits[i/8]&(1<<(i%8)) != 0 {
				mask |= 1 << i
			}
		}
		return inline(slots, mask)
	}
	d := &Descriptor{Slots: slots, Bits: bits}
	return Layout(unsafe.Pointer(d)) //nolint:govet // intentional, see Descriptor comment
}

// PointerFree reports whether objects with this layout never hold
// pointers (the conservative sentinel is never pointer-free: we don't
// know, so we must scan).
func (l Layout) PointerFree() bool {
	return l&1 != 0 && l>>sizeShift == 0
}

// Each calls fn with the byte offset of every slot in [0,len) that may
// hold a pointer, repeating the layout's slot pattern across len.
func (l Layout) Each(len uintptr, fn func(offset uintptr)) {
	switch {
	case l == Conservative:
		for off := uintptr(0); off < len; off += ptrSize {
			fn(off)
		}
	case l&1 != 0:
		slots := uintptr(l>>1) & (1<<sizeBits - 1)
		mask := uintptr(l) >> sizeShift
		size := slots * ptrSize
		if size == 0 {
			return
		}
		for base := uintptr(0); base+size <= len; base += size {
			for i := uintptr(0); i < slots; i++ {
				if mask&(1<<i) != 0 {
					fn(base + i*ptrSize)
				}
			}
		}
	default:
		d := (*Descriptor)(unsafe.Pointer(l))
		size := d.Slots * ptrSize
		if size == 0 {
			return
		}
		for base := uintptr(0); base+size <= len; base += size {
			for i := uintptr(0); i < d.Slots; i++ {
				if d.Bits[i/8]&(1<<(i%8)) != 0 {
					fn(base + i*ptrSize)
				}
			}
		}
	}
}
