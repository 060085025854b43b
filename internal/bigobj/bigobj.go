// Package bigobj implements the big-object allocator (spec.md §4.C):
// allocations above the largest pool size class, cache-line aligned and
// sourced from the host's aligned allocator, tracked on a per-thread
// doubly linked list. There is no global survivor list: a record stays
// on its allocating thread's list for its whole life.
package bigobj

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dynvm/gogc/internal/objheader"
)

const cacheLineSize = 64
const promotionAge = 1 // spec.md §6 tunable

var recordHeaderSize = unsafe.Sizeof(Record{})

func uintptrOf(r *Record) uintptr { return uintptr(unsafe.Pointer(r)) }
func ptrFromUintptr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

// Record is the big-object header: size, saturating age counter, GC
// bits, and doubly-linked list pointers (spec.md §3, "Big-object
// record"). Header is deliberately the last field: every other
// bookkeeping field sits before it so Payload() is always exactly
// headerSize bytes past the header, the same fixed offset the pool
// allocator uses for its cells (jl_astaggedvalue's trick in gc.c:
// bigval_t's extra fields precede its tag word too, so one fixed
// offset locates the header for both pool cells and big objects).
type Record struct {
	Size       uintptr
	Age        uint8
	Prev, Next *Record
	objheader.Header
}

// Payload returns a pointer to the bytes following the record header.
func (r *Record) Payload() uintptr {
	return uintptr(unsafe.Pointer(&r.Header)) + uintptr(unsafe.Sizeof(r.Header))
}

// List is a doubly linked list of big objects, the same shape as
// spec.md §3 describes for per-thread big-object lists and the global
// big_objects_marked survivor list.
type List struct {
	head *Record
}

func (l *List) PushFront(r *Record) {
	r.Prev = nil
	r.Next = l.head
	if l.head != nil {
		l.head.Prev = r
	}
	l.head = r
}

func (l *List) Remove(r *Record) {
	if r.Prev != nil {
		r.Prev.Next = r.Next
	} else {
		l.head = r.Next
	}
	if r.Next != nil {
		r.Next.Prev = r.Prev
	}
	r.Prev, r.Next = nil, nil
}

// Each calls fn for every record currently in the list. fn may unlink
// the current record (sweep relies on this) but must not touch any
// other record's links.
func (l *List) Each(fn func(*Record)) {
	r := l.head
	for r != nil {
		next := r.Next
		fn(r)
		r = next
	}
}

func (l *List) Head() *Record { return l.head }
func (l *List) Empty() bool   { return l.head == nil }

// Allocator hands out big-object records via a host aligned allocator
// function, supplied by the embedder (spec.md §1: "the host allocator").
type Allocator struct {
	HostAlloc func(size uintptr) (uintptr, error)
	HostFree  func(addr uintptr, size uintptr)

	// OnExternalAlloc/OnExternalFree are the component J notification
	// hooks invoked on every big-object alloc/free (spec.md §4.C:
	// "notifies the external-alloc callback").
	OnExternalAlloc func(size uintptr)
	OnExternalFree  func(size uintptr)

	mu     sync.Mutex
	allocN uint64
}

// New builds a big-object Allocator. hostAlloc/hostFree are typically
// backed by pagehost's mmap source for sizes that are themselves
// page-multiples, or a plain aligned malloc for smaller big objects.
func New(hostAlloc func(uintptr) (uintptr, error), hostFree func(uintptr, uintptr)) *Allocator {
	return &Allocator{HostAlloc: hostAlloc, HostFree: hostFree}
}

// Alloc implements spec.md §4.C: round up to cache-line alignment,
// allocate via the host, write the header, link into the thread's list,
// bump the allocation counter, notify the external-alloc callback.
func (a *Allocator) Alloc(threadList *List, t *objheader.TypeDescriptor, size uintptr) (*Record, error) {
	total := alignUp(recordHeaderSize+size, cacheLineSize)
	addr, err := a.HostAlloc(total)
	if err != nil {
		return nil, fmt.Errorf("bigobj: %w", err)
	}
	r := (*Record)(ptrFromUintptr(addr))
	r.Header.Init(t, objheader.Clean)
	r.Size = size
	r.Age = 0
	threadList.PushFront(r)

	a.mu.Lock()
	a.allocN++
	a.mu.Unlock()

	if a.OnExternalAlloc != nil {
		a.OnExternalAlloc(total)
	}
	return r, nil
}

// Free releases a big-object record back to the host, notifying the
// external-free callback.
func (a *Allocator) Free(threadList *List, r *Record) {
	threadList.Remove(r)
	total := alignUp(recordHeaderSize+r.Size, cacheLineSize)
	a.HostFree(uintptrOf(r), total)
	if a.OnExternalFree != nil {
		a.OnExternalFree(total)
	}
}

// AgeAndPromote implements the two-sweep promotion rule (spec.md §3:
// an object must be OLD_MARKED during the mark phase of its *second*
// collection, OLD only after that sweep): the first survival only
// advances the age counter and reports no promotion; only a record
// whose counter already reached promotionAge — i.e. one that already
// survived a prior full sweep as MARKED — promotes.
func (r *Record) AgeAndPromote() (promote bool) {
	promote = r.Age >= promotionAge
	if !promote {
		r.Age++
	}
	return promote
}

func alignUp(x, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}
