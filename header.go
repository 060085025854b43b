package gogc

import "github.com/dynvm/gogc/internal/objheader"

// GCBits and the header packing are implemented in internal/objheader
// so every internal package (pool, bigobj, mark, sweep) can share them
// without importing this package. These aliases are the public,
// embedder-facing names spec.md §3 and §6 use.
type GCBits = objheader.GCBits

const (
	Clean     = objheader.Clean
	Marked    = objheader.Marked
	Old       = objheader.Old
	OldMarked = objheader.OldMarked
)

// TypeDescriptor is the object-layout subsystem's contract described in
// spec.md §1 and §3: size plus pointer-field map for one heap type.
type TypeDescriptor = objheader.TypeDescriptor
