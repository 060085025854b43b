// Package mark implements the collector's central data structure: an
// iterative DFS mark loop over the object graph, backed by a growable
// stack of tagged-union frames specialized per root/object shape
// (spec.md §4.F). It never recurses on the host stack — "Recursion
// through object graphs" is exactly the pattern spec.md §9 says to
// preserve.
//
// spec.md's obj8/16/32 and array8/16 frame kinds differ from each other
// only in the bit-width of their field-offset table; this package
// collapses them into one Layout-driven traversal per object shape
// (ObjPlain/ObjArray) since internal/layout already abstracts over
// offset-table width (see DESIGN.md).
package mark

import (
	"unsafe"

	"github.com/dynvm/gogc/internal/objheader"
)

// FrameKind discriminates the union stored in each stack slot — the
// Go equivalent of spec.md §4.F's "pc stack" entry.
type FrameKind uint8

const (
	KindObjPlain      FrameKind = iota // marked_obj/obj8/16/32: freshly marked, needs metadata update + traversal
	KindScanOnlyPlain                  // scan_only: metadata already current, traverse only
	KindObjArray                       // objarray/array8/16: freshly marked array
	KindScanOnlyArray                  // scan_only array
	KindModuleBinding                  // module_binding: a module's binding table
	KindFinList                        // finlist: (obj,fn) pairs, respecting tag bits
	KindStack                          // stack: one task's shadow stack
	KindExcStack                       // excstack: exception stack (backtrace+value interleaved)
)

// arrayHeaderWords is the number of pointer-sized words reserved right
// after the object header in every KindArray/KindModule cell to store
// the element/slot count.
const arrayHeaderWords = 1

var ptrSize = unsafe.Sizeof(uintptr(0))

// FinEntry is one (object, finalizer) pair as stored in a thread's
// finalizer list (spec.md §3: "Finalizer list entry"). ObjSlot carries
// the tag bits in its low two bits exactly as spec.md describes:
// bit0 = native function pointer, bit1 = already freed.
type FinEntry struct {
	ObjSlot uintptr
	FnSlot  uintptr
}

// DecodeFinEntry splits a raw tagged object slot into its pointer,
// "native finalizer" flag, and "already freed" flag.
func DecodeFinEntry(objSlot uintptr) (ptr uintptr, nativeFn, freed bool) {
	return objSlot &^ 0b11, objSlot&1 != 0, objSlot&2 != 0
}

// StackFrameRoots is the set of root slots found in one shadow-stack
// frame of a task, supplied by the host task/thread model (spec.md §1:
// out of scope, named where it appears).
type StackFrameRoots struct {
	Roots []unsafe.Pointer // addresses of slots, each holding a pointer to scan
}

// ExcStackEntry interleaves a backtrace (a sequence of raw code
// addresses, not managed pointers, kept only for symbolication and
// never scanned) with a managed value, matching spec.md §4.F's
// excstack frame ("Exception stack with backtrace+value interleaving").
type ExcStackEntry struct {
	Backtrace []uintptr
	Value     unsafe.Pointer
}

// Frame is the data-stack slot: a fixed-shape union big enough to hold
// any frame kind's state, matching the "contiguous vector of a tagged
// union" re-architecture spec.md §9 recommends.
type Frame struct {
	Kind FrameKind

	Obj  uintptr // owning object's address as passed to HeaderAt (Plain/Array/Module)
	Type *objheader.TypeDescriptor

	FinEntries  []FinEntry
	StackFrames []StackFrameRoots
	ExcEntries  []ExcStackEntry
}

// Stack is the mark loop's work stack: a manually grown array so
// overflow growth is explicit (spec.md §4.F step 5: "when the pc stack
// is full, both stacks are grown by doubling").
type Stack struct {
	frames []Frame
	len    int
}

// NewStack preallocates capacity for cap frames.
func NewStack(cap int) *Stack {
	if cap < 16 {
		cap = 16
	}
	return &Stack{frames: make([]Frame, cap)}
}

func (s *Stack) Push(f Frame) {
	if s.len == len(s.frames) {
		grown := make([]Frame, len(s.frames)*2)
		copy(grown, s.frames)
		s.frames = grown
	}
	s.frames[s.len] = f
	s.len++
}

func (s *Stack) Pop() (Frame, bool) {
	if s.len == 0 {
		return Frame{}, false
	}
	s.len--
	f := s.frames[s.len]
	s.frames[s.len] = Frame{} // drop references so the stack doesn't pin dead objects
	return f, true
}

func (s *Stack) Empty() bool { return s.len == 0 }
func (s *Stack) Len() int    { return s.len }

// ObjectModel is the bridge between the mark loop and the rest of the
// collector: given a raw object address, find its header, and be told
// whenever a new object is marked so pool-page/big-object metadata can
// be updated (spec.md §4.F step 2).
type ObjectModel interface {
	HeaderAt(addr uintptr) *objheader.Header
	// OnMarked is called exactly once per object per cycle, right after
	// it transitions from unmarked to marked. isYoung reports whether the
	// object is young (CLEAN/MARKED, as opposed to OLD/OLD_MARKED).
	OnMarked(addr uintptr, isYoung bool)
}

// Marker runs the iterative mark loop for one thread's portion of work.
type Marker struct {
	Model ObjectModel
	Stack *Stack

	// Remember is called when a scanned OLD_MARKED object referenced a
	// young child, so the driver can push it back onto this thread's
	// remembered set once its frame finishes (spec.md §4.F step 4).
	Remember func(obj uintptr)

	// MarkReset, when true, forces every newly marked object's bits to
	// MARKED (never OLD_MARKED) so next cycle retraces it. The collector
	// sets it only for the full collection that follows
	// EnableConservativeGCSupport; there is no separate finalizer drain.
	MarkReset bool
}

// markChild tries to mark addr (0 is a no-op, representing a nil
// reference). It returns whether the child is young, which callers
// aggregate into their parent's "nptr" forward-barrier decision
// (spec.md §4.F step 1 & step 4).
func (m *Marker) markChild(addr uintptr) (young bool) {
	if addr == 0 {
		return false
	}
	h := m.Model.HeaderAt(addr)
	if h == nil {
		return false
	}
	before, already := h.TryMark()
	young = !before.IsOld()
	if m.MarkReset {
		h.SetBits(objheader.Marked)
	}
	if already {
		return young
	}
	m.Model.OnMarked(addr, young)
	typ := h.Type()
	switch typ.Kind {
	case objheader.KindArray:
		m.Stack.Push(Frame{Kind: KindObjArray, Obj: addr, Type: typ})
	case objheader.KindModule:
		m.Stack.Push(Frame{Kind: KindModuleBinding, Obj: addr, Type: typ})
	default:
		m.Stack.Push(Frame{Kind: KindObjPlain, Obj: addr, Type: typ})
	}
	return young
}

// PushRoot marks and pushes a true root (thread, module tree, builtin,
// or a finalizer_list_marked entry). Safe to call with addr==0.
func (m *Marker) PushRoot(addr uintptr) {
	m.markChild(addr)
}

// PushRemsetRoot pushes an object known to already be OLD_MARKED
// (everything in a remembered set is, by construction) directly as a
// scan_only frame, without re-running TryMark/OnMarked (spec.md §4.F:
// "scan_only: Object's metadata already updated; only traverse").
func (m *Marker) PushRemsetRoot(addr uintptr) {
	if addr == 0 {
		return
	}
	h := m.Model.HeaderAt(addr)
	if h == nil {
		return
	}
	typ := h.Type()
	kind := KindScanOnlyPlain
	if typ.Kind == objheader.KindArray {
		kind = KindScanOnlyArray
	}
	m.Stack.Push(Frame{Kind: kind, Obj: addr, Type: typ})
}

// PushFinList pushes a thread's finalizer list (or finalizer_list_marked)
// to be scanned as roots, respecting the tag bits on each entry (spec.md
// §4.F: "finalizer_list_marked is walked and its entries scanned as
// roots").
func (m *Marker) PushFinList(entries []FinEntry) {
	if len(entries) == 0 {
		return
	}
	m.Stack.Push(Frame{Kind: KindFinList, FinEntries: entries})
}

// PushStackRoots pushes one task's shadow-stack roots.
func (m *Marker) PushStackRoots(frames []StackFrameRoots) {
	if len(frames) == 0 {
		return
	}
	m.Stack.Push(Frame{Kind: KindStack, StackFrames: frames})
}

// PushExcStack pushes an exception stack's interleaved backtrace+value
// entries.
func (m *Marker) PushExcStack(entries []ExcStackEntry) {
	if len(entries) == 0 {
		return
	}
	m.Stack.Push(Frame{Kind: KindExcStack, ExcEntries: entries})
}

// Run drains the work stack, dispatching each frame by kind, until
// empty — the mark loop proper (spec.md §4.F).
func (m *Marker) Run() {
	for {
		f, ok := m.Stack.Pop()
		if !ok {
			return
		}
		m.dispatch(f)
	}
}

func (m *Marker) dispatch(f Frame) {
	switch f.Kind {
	case KindObjPlain, KindScanOnlyPlain:
		m.scanPlain(f)
	case KindObjArray, KindScanOnlyArray:
		m.scanArray(f)
	case KindModuleBinding:
		m.scanModule(f)
	case KindFinList:
		m.scanFinList(f)
	case KindStack:
		m.scanStack(f)
	case KindExcStack:
		m.scanExcStack(f)
	}
}

func (m *Marker) scanPlain(f Frame) {
	sawYoung := false
	f.Type.Layout.Each(f.Type.Size, func(offset uintptr) {
		child := *(*uintptr)(unsafe.Pointer(f.Obj + offset))
		if m.markChild(child) {
			sawYoung = true
		}
	})
	m.finishOldParent(f.Obj, sawYoung)
}

func (m *Marker) scanArray(f Frame) {
	length := *(*uintptr)(unsafe.Pointer(f.Obj))
	dataStart := f.Obj + arrayHeaderWords*ptrSize
	sawYoung := false
	f.Type.Layout.Each(length*f.Type.Size, func(offset uintptr) {
		child := *(*uintptr)(unsafe.Pointer(dataStart + offset))
		if m.markChild(child) {
			sawYoung = true
		}
	})
	m.finishOldParent(f.Obj, sawYoung)
}

func (m *Marker) scanModule(f Frame) {
	count := *(*uintptr)(unsafe.Pointer(f.Obj))
	dataStart := f.Obj + arrayHeaderWords*ptrSize
	sawYoung := false
	for i := uintptr(0); i < count; i++ {
		slot := *(*uintptr)(unsafe.Pointer(dataStart + i*ptrSize))
		if m.markChild(slot) {
			sawYoung = true
		}
	}
	m.finishOldParent(f.Obj, sawYoung)
}

func (m *Marker) scanFinList(f Frame) {
	for _, e := range f.FinEntries {
		ptr, nativeFn, freed := DecodeFinEntry(e.ObjSlot)
		if freed {
			// Already scheduled for finalization; do not re-root it.
			continue
		}
		m.markChild(ptr)
		if !nativeFn {
			m.markChild(e.FnSlot)
		}
	}
}

func (m *Marker) scanStack(f Frame) {
	for _, sf := range f.StackFrames {
		for _, slot := range sf.Roots {
			m.markChild(*(*uintptr)(slot))
		}
	}
}

func (m *Marker) scanExcStack(f Frame) {
	for _, e := range f.ExcEntries {
		// Backtrace addresses are code pointers for symbolication, never
		// managed heap pointers, so only the interleaved value is marked.
		m.markChild(uintptr(e.Value))
	}
}

// finishOldParent implements spec.md §4.F step 4: if the just-scanned
// object is OLD_MARKED and any traced child was young, push it back
// onto this thread's remembered set so next cycle starts with it as a
// root.
func (m *Marker) finishOldParent(obj uintptr, sawYoung bool) {
	if !sawYoung || m.Remember == nil {
		return
	}
	h := m.Model.HeaderAt(obj)
	if h != nil && h.Bits() == objheader.OldMarked {
		m.Remember(obj)
	}
}
