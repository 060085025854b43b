// Package finalizer implements the finalizer subsystem (spec.md §4.H):
// registration, post-mark scheduling into a process-wide to_finalize
// queue, ordered execution outside the stop-the-world window, and
// inhibition while explicitly inhibited or already running a finalizer.
// Inhibition is one process-wide count, not tracked per thread, and
// holding a runtime lock does not inhibit finalizers.
package finalizer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dynvm/gogc/internal/mark"
	"github.com/dynvm/gogc/internal/statlog"
)

// Entry is a finalizer-list entry: the (object, finalizer) pair spec.md
// §3 describes, tag bits included. Reusing mark.FinEntry keeps the mark
// loop and the finalizer subsystem reading the exact same tag-bit
// convention off the same wire shape.
type Entry = mark.FinEntry

// DecodeEntry exposes mark.DecodeFinEntry's tag-bit splitting under this
// package's vocabulary.
func DecodeEntry(e Entry) (ptr uintptr, nativeFn, freed bool) {
	return mark.DecodeFinEntry(e.ObjSlot)
}

// taggedObjSlot packs a finalizer-list object slot: the pointer in the
// high bits, bit0 = native function pointer, bit1 = already freed
// (fires at next quiescent point regardless of reachability).
func taggedObjSlot(ptr uintptr, nativeFn, freed bool) uintptr {
	tag := uintptr(0)
	if nativeFn {
		tag |= 1
	}
	if freed {
		tag |= 2
	}
	return ptr | tag
}

// ThreadList is one mutator thread's finalizer list, matching spec.md
// §5's "acquire/release pairs with concurrent readers on other threads'
// lists" requirement: Len uses atomic ordering so finalize(obj) on
// another thread observes a consistent prefix while resizes happen only
// under the finalizer lock.
type ThreadList struct {
	mu      sync.Mutex // the finalizer lock's per-list granularity for resize
	entries []Entry
	length  atomic.Int64
}

func (l *ThreadList) Add(objSlot, fnSlot uintptr) {
	l.mu.Lock()
	l.entries = append(l.entries, Entry{ObjSlot: objSlot, FnSlot: fnSlot})
	l.length.Store(int64(len(l.entries)))
	l.mu.Unlock()
}

// Snapshot returns a copy of the list's current entries, observing
// length with acquire ordering per spec.md §5.
func (l *ThreadList) Snapshot() []Entry {
	n := l.length.Load()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, n)
	copy(out, l.entries[:n])
	return out
}

// partitionBySweep implements spec.md §4.H's sweep_finalizer_list: every
// entry leaves the thread-local list, landing either in toFinalize
// (already tagged "freed", unreachable entries, and entries already
// tagged quiescent) or marked (survived, migrates into the global
// finalizer_list_marked).
func (l *ThreadList) partitionBySweep(isMarked func(uintptr) bool) (keep, toFinalize, marked []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		ptr, nativeFn, freed := DecodeEntry(e)
		if freed {
			toFinalize = append(toFinalize, e)
			continue
		}
		if isMarked(ptr) {
			marked = append(marked, e)
			continue
		}
		toFinalize = append(toFinalize, Entry{
			ObjSlot: taggedObjSlot(ptr, nativeFn, true),
			FnSlot:  e.FnSlot,
		})
	}
	l.entries = keep
	l.length.Store(int64(len(keep)))
	return keep, toFinalize, marked
}

// Manager is the global finalizer state: the to_finalize queue, the
// finalizer_list_marked list, and the finalizer lock protecting both
// plus cross-thread list scans (spec.md §3, §5).
type Manager struct {
	mu sync.Mutex

	ToFinalize   []Entry
	ListMarked   []Entry
	inhibited    atomic.Int32
	enabled      atomic.Bool
	runningCount atomic.Int32 // >0 while any goroutine is running finalizers

	Log *statlog.Logger
}

// NewManager builds a Manager with finalizers enabled by default.
func NewManager(log *statlog.Logger) *Manager {
	m := &Manager{Log: log}
	m.enabled.Store(true)
	return m
}

// Enable turns finalizer execution on; a second call is a one-shot
// warning rather than an error (spec.md §7: "Double-enable of
// finalizers prints a one-shot warning and leaves the counter
// unchanged").
func (m *Manager) Enable() {
	if m.enabled.Load() {
		if m.Log != nil {
			m.Log.WarnOnce("finalizer-double-enable", "finalizers already enabled")
		}
		return
	}
	m.enabled.Store(true)
}

func (m *Manager) Disable() { m.enabled.Store(false) }
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// Inhibit/Uninhibit implement testable property 10: while inhibited,
// no finalizer runs (spec.md §8).
func (m *Manager) Inhibit()   { m.inhibited.Add(1) }
func (m *Manager) Uninhibit() { m.inhibited.Add(-1) }
func (m *Manager) isInhibited() bool { return m.inhibited.Load() > 0 }

// InFinalizer reports whether any goroutine is currently running
// finalizers (the count is process-wide, not per goroutine), so a
// finalizer that itself triggers GC never recurses into
// run_pending_finalizers.
func (m *Manager) InFinalizer() bool { return m.runningCount.Load() > 0 }

// Add appends a finalizer for obj to thread's list (spec.md §4.H:
// "add(object, finalizer) appends to the calling thread's finalizer
// list").
func (m *Manager) Add(thread *ThreadList, obj, fn uintptr, nativeFn bool) {
	thread.Add(taggedObjSlot(obj, nativeFn, false), fn)
}

// AddQuiescent registers a finalizer tagged to fire at the next
// quiescent point regardless of reachability (spec.md §6:
// "add_quiescent(thread, obj, fn)... Registration with both tag bits").
func (m *Manager) AddQuiescent(thread *ThreadList, obj, fn uintptr) {
	thread.Add(taggedObjSlot(obj, true, true), fn)
}

// SweepFinalizerLists runs sweep_finalizer_list across every thread's
// list (spec.md §4.G/§4.H): unmarked entries move to to_finalize, and
// every marked entry, young or old, migrates into finalizer_list_marked.
func (m *Manager) SweepFinalizerLists(threads []*ThreadList, isMarked func(uintptr) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range threads {
		_, toFinalize, marked := t.partitionBySweep(isMarked)
		m.ToFinalize = append(m.ToFinalize, toFinalize...)
		m.ListMarked = append(m.ListMarked, marked...)
	}
}

// ListMarkedSnapshot returns a copy of finalizer_list_marked, the set
// of entries the mark phase must re-root every cycle so their objects
// stay alive until explicitly finalized (spec.md §4.F: "finalizer_list_
// marked is walked and its entries scanned as roots").
func (m *Manager) ListMarkedSnapshot() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.ListMarked))
	copy(out, m.ListMarked)
	return out
}

// PushReady schedules every ready finalizer found by a fuller scan
// (e.g. the root-marking walk of finalizer_list_marked) into
// to_finalize.
func (m *Manager) PushReady(entries []Entry) {
	m.mu.Lock()
	m.ToFinalize = append(m.ToFinalize, entries...)
	m.mu.Unlock()
}

// Finalize implements spec.md §4.H's explicit `finalize(object)`: scan
// every thread's list plus the marked list, extract every entry for
// obj into a copied list, and run them immediately.
func (m *Manager) Finalize(threads []*ThreadList, obj uintptr) {
	var extracted []Entry
	m.mu.Lock()
	kept := m.ListMarked[:0]
	for _, e := range m.ListMarked {
		ptr, _, _ := DecodeEntry(e)
		if ptr == obj {
			extracted = append(extracted, e)
		} else {
			kept = append(kept, e)
		}
	}
	m.ListMarked = kept
	m.mu.Unlock()

	for _, t := range threads {
		t.mu.Lock()
		var rest []Entry
		for _, e := range t.entries {
			ptr, _, _ := DecodeEntry(e)
			if ptr == obj {
				extracted = append(extracted, e)
			} else {
				rest = append(rest, e)
			}
		}
		t.entries = rest
		t.length.Store(int64(len(rest)))
		t.mu.Unlock()
	}

	m.run(extracted)
}

// RunPending drains to_finalize and runs every entry, unless finalizers
// are disabled or inhibited, or some goroutine is already inside a
// finalizer (spec.md
// §4.H, §4.I step 7: "if the caller is not inside a finalizer, drain
// to_finalize").
func (m *Manager) RunPending() {
	if !m.enabled.Load() || m.isInhibited() || m.InFinalizer() {
		return
	}
	m.mu.Lock()
	pending := m.ToFinalize
	m.ToFinalize = nil
	m.mu.Unlock()
	m.run(pending)
}

// run executes entries in reverse registration order ("lower-level
// finalizers run last", spec.md §8 property 6), containing each
// finalizer's panic so one failure never stops the rest (spec.md §7).
func (m *Manager) run(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	m.runningCount.Add(1)
	defer m.runningCount.Add(-1)

	for i := len(entries) - 1; i >= 0; i-- {
		m.runOne(entries[i])
	}
}

func (m *Manager) runOne(e Entry) {
	ptr, nativeFn, _ := DecodeEntry(e)
	defer func() {
		if r := recover(); r != nil {
			if m.Log != nil {
				m.Log.FinalizerPanic(ptr, r)
			} else {
				fmt.Printf("gogc: finalizer panic on %#x: %v\n", ptr, r)
			}
		}
	}()
	invokeFinalizer(ptr, e.FnSlot, nativeFn)
}

// invokeFinalizer is the one seam between this package's bookkeeping
// and the embedder's actual callable representation: a native function
// pointer is called through FinalizerThunk, a managed closure through
// ManagedFinalizerThunk. Both default to no-ops until the collector
// driver installs them, keeping this package free of embedder-specific
// calling-convention assumptions.
var (
	FinalizerThunk        func(obj, fn uintptr)
	ManagedFinalizerThunk func(obj, fn uintptr)
)

func invokeFinalizer(obj, fn uintptr, nativeFn bool) {
	if nativeFn {
		if FinalizerThunk != nil {
			FinalizerThunk(obj, fn)
		}
		return
	}
	if ManagedFinalizerThunk != nil {
		ManagedFinalizerThunk(obj, fn)
	}
}
