// Package buffer tracks externally-malloced array buffers owned by
// heap objects (spec.md §4.D). The collector doesn't allocate this
// memory itself, but must free it when the owning object dies, so each
// buffer is registered as a small record on the owning thread's list
// and walked during sweep.
package buffer

// Record is one tracked malloc-backed buffer.
type Record struct {
	Owner uintptr // owning object's address, as passed to Sweep's isMarked
	Ptr   uintptr
	Size  uintptr
	Next  *Record
}

// List is a thread-local singly linked list of tracked buffers
// (spec.md §3: "list of tracked malloc-backed buffers").
type List struct {
	head *Record
}

// Register adds a new tracked buffer owned by owner.
func (l *List) Register(owner, ptr, size uintptr) *Record {
	r := &Record{Owner: owner, Ptr: ptr, Size: size, Next: l.head}
	l.head = r
	return r
}

// Sweep walks the list once, freeing (via free) every record whose
// owner is unmarked according to isMarked, and keeping the rest
// (spec.md §4.D: "sweep walks the list, freeing records whose owning
// object is unmarked").
func (l *List) Sweep(isMarked func(owner uintptr) bool, free func(ptr, size uintptr)) {
	var kept *Record
	for r := l.head; r != nil; {
		next := r.Next
		if isMarked(r.Owner) {
			r.Next = kept
			kept = r
		} else {
			free(r.Ptr, r.Size)
		}
		r = next
	}
	l.head = kept
}

// Each calls fn for every record currently tracked.
func (l *List) Each(fn func(*Record)) {
	for r := l.head; r != nil; r = r.Next {
		fn(r)
	}
}
