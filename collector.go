// Package gogc implements a generational, non-moving, stop-the-world,
// mark-and-sweep garbage collector core for an embedding dynamic-
// language runtime (spec.md §1). Collector is the single entry point
// ties every internal subsystem together: the pool and big-object
// allocators, the page map, the write barrier and remembered sets, the
// mark loop, the sweep phase, the finalizer subsystem, and the
// callback chains a host runtime hooks into.
package gogc

import (
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dynvm/gogc/internal/bigobj"
	"github.com/dynvm/gogc/internal/callback"
	"github.com/dynvm/gogc/internal/config"
	"github.com/dynvm/gogc/internal/finalizer"
	"github.com/dynvm/gogc/internal/heapdump"
	"github.com/dynvm/gogc/internal/objheader"
	"github.com/dynvm/gogc/internal/pagehost"
	"github.com/dynvm/gogc/internal/pagemap"
	"github.com/dynvm/gogc/internal/pool"
	"github.com/dynvm/gogc/internal/statlog"
	"github.com/dynvm/gogc/internal/sweep"
	"github.com/dynvm/gogc/internal/task"
	"github.com/dynvm/gogc/internal/wbarrier"
)

const headerSize = unsafe.Sizeof(objheader.Header{})

// Config bundles Collector's construction-time knobs: the page size
// the host allocator hands out, an optional tunables-YAML path, and the
// writer cycle logs and finalizer-panic reports go to.
type Config struct {
	PageSize   uintptr
	ConfigPath string // optional; see internal/config.Load
	LogOutput  io.Writer
	HeapDumpLockPath string
}

// Collector is the embedder-facing API (spec.md §6). Every exported
// method here is safe to call from any registered mutator thread;
// internally only one goroutine ever runs an actual collection cycle
// at a time (spec.md §5: "exactly one collector thread runs at a
// time").
type Collector struct {
	tunablesMu sync.RWMutex
	tunables   config.Tunables

	pages   *pagehost.Source
	pageMap *pagemap.Map
	pool    *pool.Allocator
	bigobj  *bigobj.Allocator
	sweeper *sweep.Sweeper

	callbacks  *callback.Registry
	finalizers *finalizer.Manager
	weakrefs   weakrefTable
	perm       permAllocator
	stats      statlog.Counters
	log        *statlog.Logger

	heapDumpLockPath string

	threads task.Queue

	// remsetCurrent/remsetPrevious is the process-wide remembered set
	// the mark loop's Remember hook feeds (see Collector.runMarkPhase):
	// marking in this specification is single-threaded (spec.md §5), so
	// objects discovered mid-trace to need re-scanning next cycle are
	// recorded here rather than resolved back to an owning thread.
	remsetCurrent  wbarrier.Set
	remsetPrevious wbarrier.Set

	// types pins every registered TypeDescriptor for the collector's
	// lifetime so its pointer stays valid inside object headers.
	typesMu sync.Mutex
	types   []*objheader.TypeDescriptor

	enabled       atomic.Bool
	collecting    atomic.Bool
	safepoint     atomic.Bool
	deferredAlloc atomic.Uint64

	// forceFullNext is set by updateHeuristics when this cycle's remset
	// or live-byte figures demand the next one be full regardless of
	// what the caller requests (spec.md §4.I step 6).
	forceFullNext atomic.Bool

	// markResetPending, consumed by the very next mark phase, forces
	// every freshly marked object back to MARKED (never OLD_MARKED) so
	// conservative-mode age bits realign, per EnableConservativeGCSupport.
	markResetPending atomic.Bool

	conservativeEnabled atomic.Bool

	lastTrimRSS uint64
}

// New builds a Collector ready to register threads and types.
func New(cfg Config) *Collector {
	if cfg.PageSize == 0 {
		cfg.PageSize = 64 * 1024
	}
	tunables, err := config.Load(cfg.ConfigPath)
	if err != nil {
		tunables = config.Default()
	}

	pages := pagehost.New(cfg.PageSize)
	pmap := pagemap.New(cfg.PageSize)
	poolAlloc := pool.New(pages, pmap, pool.DefaultSizeClasses)

	c := &Collector{
		tunables:         tunables,
		pages:            pages,
		pageMap:          pmap,
		pool:             poolAlloc,
		callbacks:        callback.NewRegistry(),
		heapDumpLockPath: cfg.HeapDumpLockPath,
	}
	c.enabled.Store(true)

	var logOut io.Writer = io.Discard
	if cfg.LogOutput != nil {
		logOut = cfg.LogOutput
	}
	c.log = statlog.New(logOut)
	c.finalizers = finalizer.NewManager(c.log)

	c.bigobj = bigobj.New(
		func(size uintptr) (uintptr, error) {
			buf, err := c.hostAllocAligned(size)
			return buf, err
		},
		func(addr uintptr, size uintptr) { c.hostFreeAligned(addr, size) },
	)
	c.bigobj.OnExternalAlloc = func(size uintptr) {
		c.stats.RecordAlloc(uint64(size))
		c.callbacks.RunExternalAlloc(size)
	}
	c.bigobj.OnExternalFree = func(size uintptr) {
		c.stats.RecordFree(uint64(size))
		c.callbacks.RunExternalFree(size)
	}

	c.sweeper = &sweep.Sweeper{
		PageMap:    pmap,
		Pool:       poolAlloc,
		BigObjects: c.bigobj,
		FreeBuffer: func(ptr, size uintptr) { c.hostFreeAligned(ptr, size) },
	}

	c.stats.CurrentInterval = tunables.DefaultCollectInterval
	c.stats.MaxTotalMemory = tunables.MaxTotalMemory

	return c
}

// hostAllocAligned/hostFreeAligned back the big-object allocator with
// raw mmap'd pages when a request is itself page-sized or larger, and
// a cache-line aligned heap allocation otherwise — matching spec.md
// §4.C's "sourced from the host's aligned allocator" without forcing
// every big object through a full mmap.
func (c *Collector) hostAllocAligned(size uintptr) (uintptr, error) {
	if size >= c.pages.PageSize() {
		p, err := c.pages.Acquire()
		if err != nil {
			return 0, err
		}
		return uintptr(p), nil
	}
	buf := make([]byte, size+63)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (addr + 63) &^ 63
	return aligned, nil
}

func (c *Collector) hostFreeAligned(addr uintptr, size uintptr) {
	if size >= c.pages.PageSize() {
		_ = c.pages.Release(unsafe.Pointer(addr))
	}
	// Sub-page allocations came from Go's own heap (via make([]byte,...))
	// and are reclaimed by the Go garbage collector once unreferenced;
	// nothing to do here beyond dropping every reference to addr.
}

// RegisterType pins t for the collector's lifetime and returns it,
// satisfying the alignment/lifetime contract internal/objheader
// documents for TypeDescriptor.
func (c *Collector) RegisterType(t *objheader.TypeDescriptor) *objheader.TypeDescriptor {
	c.typesMu.Lock()
	c.types = append(c.types, t)
	c.typesMu.Unlock()
	return t
}

// RegisterThread admits a new mutator thread, handing it its own pool
// allocation cache. The host runtime calls this once per OS thread (or
// per green-thread scheduler slot) before any allocation on it.
func (c *Collector) RegisterThread(t *task.Thread) {
	t.Pool = c.pool.NewCache(uintptr(unsafe.Pointer(t)))
	c.threads.Push(t)
}

// threadSnapshot fixes the set of mutator threads to wait on and scan
// for one GC cycle (spec.md §4.I step 3).
func (c *Collector) threadSnapshot() []*task.Thread {
	return c.threads.Snapshot()
}

// Alloc implements spec.md §6's `alloc(thread, size, type)`: a cell
// large enough for size bytes plus header, routed to the pool
// allocator's size classes or to the big-object allocator above them.
func (c *Collector) Alloc(thread *task.Thread, size uintptr, typ *objheader.TypeDescriptor) (unsafe.Pointer, error) {
	if !c.enabled.Load() {
		c.deferredAlloc.Add(uint64(size))
	} else if c.shouldAutoCollect(thread) {
		if err := c.Collect(thread, "auto"); err != nil {
			return nil, err
		}
	}

	total := size + headerSize
	if total < size {
		return nil, &OOMError{Requested: size, Cause: ErrAllocOverflow}
	}

	classIdx := c.pool.ClassFor(total)
	if classIdx < 0 {
		r, err := c.bigobj.Alloc(&thread.BigObjects, typ, size)
		if err != nil {
			return nil, &OOMError{Requested: size, Cause: err}
		}
		return unsafe.Pointer(r.Payload()), nil
	}

	cell, err := c.pool.Alloc(thread.Pool, classIdx)
	if err != nil {
		return nil, &OOMError{Requested: size, Cause: err}
	}
	objheader.At(cell).Init(typ, objheader.Clean)
	c.stats.RecordAlloc(uint64(c.pool.Classes[classIdx].CellSize))
	return unsafe.Pointer(uintptr(cell) + headerSize), nil
}

// shouldAutoCollect is the allocation-counter safepoint check spec.md
// §4.B step 1 and §4.I step 1 describe: once the collector's lifetime
// allocated bytes minus its lifetime freed bytes exceed the current
// interval, an auto collection runs inline on the allocating thread
// before the request is satisfied. It does not count bytes allocated
// since the last cycle separately.
func (c *Collector) shouldAutoCollect(thread *task.Thread) bool {
	snap := c.stats.Snapshot()
	return snap.AllocatedBytes-snap.FreedBytes > snap.CurrentInterval
}

// NewWeakref implements `new_weakref(thread, value)`.
func (c *Collector) NewWeakref(thread *task.Thread, value unsafe.Pointer) *WeakRef {
	return c.weakrefs.register(uintptr(value))
}

// isOldMarked and tryMarkFn, like HeaderAt, take the embedder-facing
// object pointer and step back headerSize bytes to reach the header.
func (c *Collector) isOldMarked(obj uintptr) bool {
	if obj == 0 {
		return false
	}
	return objheader.At(unsafe.Pointer(obj - headerSize)).Bits() == objheader.OldMarked
}

func (c *Collector) tryMarkFn(obj uintptr) (alreadyMarked bool) {
	_, already := objheader.At(unsafe.Pointer(obj - headerSize)).TryMark()
	return already
}

// QueueRoot implements the forward write barrier `queue_root(obj)`:
// called by the embedder's store-to-field fast path whenever obj's bits
// are (or might be) OLD_MARKED and it just gained a reference.
func (c *Collector) QueueRoot(thread *task.Thread, obj uintptr) {
	wbarrier.ForwardBarrier(&thread.Remsets, c.isOldMarked, c.tryMarkFn, obj)
}

// QueueBinding implements the binding-barrier variant `queue_binding`.
func (c *Collector) QueueBinding(thread *task.Thread, slot unsafe.Pointer) {
	wbarrier.BindingBarrier(&thread.Remsets, slot)
}

// AddFinalizer implements `add_finalizer(thread, obj, fn)`.
func (c *Collector) AddFinalizer(thread *task.Thread, obj, fn uintptr) {
	c.finalizers.Add(&thread.FinList, obj, fn, false)
}

// AddPtrFinalizer implements `add_ptr_finalizer(thread, obj, native_fn)`.
func (c *Collector) AddPtrFinalizer(thread *task.Thread, obj, nativeFn uintptr) {
	c.finalizers.Add(&thread.FinList, obj, nativeFn, true)
}

// AddQuiescent implements `add_quiescent(thread, obj, fn)`.
func (c *Collector) AddQuiescent(thread *task.Thread, obj, fn uintptr) {
	c.finalizers.AddQuiescent(&thread.FinList, obj, fn)
}

// Finalize implements the explicit `finalize(obj)` operation.
func (c *Collector) Finalize(obj uintptr) {
	snap := c.threadSnapshot()
	lists := make([]*finalizer.ThreadList, 0, len(snap))
	for _, t := range snap {
		lists = append(lists, &t.FinList)
	}
	c.finalizers.Finalize(lists, obj)
}

// EnableFinalizers/DisableFinalizers implement the `enable_finalizers`
// operation (spec.md §7: double-enable prints a one-shot warning rather
// than erroring).
func (c *Collector) EnableFinalizers()  { c.finalizers.Enable() }
func (c *Collector) DisableFinalizers() { c.finalizers.Disable() }

// InhibitFinalizers/UninhibitFinalizers implement testable property 10
// (spec.md §8): while inhibited, no finalizer runs regardless of
// EnableFinalizers/DisableFinalizers state.
func (c *Collector) InhibitFinalizers()   { c.finalizers.Inhibit() }
func (c *Collector) UninhibitFinalizers() { c.finalizers.Uninhibit() }

// Enable/IsEnabled implement the global enable gate. Re-enabling folds
// any allocation accumulated while disabled back into the live byte
// count so the next interval check sees it.
func (c *Collector) Enable(on bool) {
	was := c.enabled.Swap(on)
	if on && !was {
		if deferred := c.deferredAlloc.Swap(0); deferred != 0 {
			c.stats.RecordAlloc(deferred)
		}
	}
}

func (c *Collector) IsEnabled() bool { return c.enabled.Load() }

// SetMaxMemory implements `set_max_memory(bytes)`.
func (c *Collector) SetMaxMemory(bytes uint64) {
	c.tunablesMu.Lock()
	c.tunables.MaxTotalMemory = bytes
	c.tunablesMu.Unlock()
	c.stats.MaxTotalMemory = bytes
}

// Callback registration passthroughs (`set_cb_*`), one pair per chain
// spec.md §4.J lists.
func (c *Collector) SetCBRootScanner(fn callback.RootScanner) int { return c.callbacks.RegisterRootScanner(fn) }
func (c *Collector) ClearCBRootScanner(token int)                 { c.callbacks.DeregisterRootScanner(token) }
func (c *Collector) SetCBTaskScanner(fn callback.TaskScanner) int { return c.callbacks.RegisterTaskScanner(fn) }
func (c *Collector) ClearCBTaskScanner(token int)                 { c.callbacks.DeregisterTaskScanner(token) }
func (c *Collector) SetCBPreGC(fn callback.PreGC) int             { return c.callbacks.RegisterPreGC(fn) }
func (c *Collector) ClearCBPreGC(token int)                       { c.callbacks.DeregisterPreGC(token) }
func (c *Collector) SetCBPostGC(fn callback.PostGC) int           { return c.callbacks.RegisterPostGC(fn) }
func (c *Collector) ClearCBPostGC(token int)                      { c.callbacks.DeregisterPostGC(token) }

func (c *Collector) SetCBExternalAlloc(fn callback.ExternalAlloc) int {
	return c.callbacks.RegisterExternalAlloc(fn)
}
func (c *Collector) ClearCBExternalAlloc(token int) { c.callbacks.DeregisterExternalAlloc(token) }

func (c *Collector) SetCBExternalFree(fn callback.ExternalFree) int {
	return c.callbacks.RegisterExternalFree(fn)
}
func (c *Collector) ClearCBExternalFree(token int) { c.callbacks.DeregisterExternalFree(token) }

// InternalObjBasePtr implements the conservative interior-pointer
// resolver spec.md §6 specifies: given an arbitrary machine address,
// find the managed cell it points inside, or 0.
//
// The three cases spec.md §6 calls out collapse here to two, since
// internal/pagemap.Meta already tracks NFree/Freelist per page rather
// than a separate "is this the bump head" flag:
//  1. ptr isn't inside any page this collector owns ⇒ not managed.
//  2. ptr's page has a freelist: walk it; a cell on the freelist is
//     dead. Otherwise the cell is live (covers both "page full" and
//     "bump-allocated, not yet freed" — a cell this collector never
//     handed out can't be pointed at by a valid conservative root).
func (c *Collector) InternalObjBasePtr(ptr uintptr) uintptr {
	meta := c.pageMap.Lookup(ptr)
	if meta == nil {
		return 0
	}
	cellSize := c.pool.Classes[meta.SizeClass].CellSize
	base := uintptr(meta.Base)
	offset := ptr - base
	cellIdx := offset / cellSize
	cellAddr := base + cellIdx*cellSize

	for link := meta.Freelist; link != nil; link = *(*unsafe.Pointer)(link) {
		if uintptr(link) == cellAddr {
			return 0
		}
	}
	h := objheader.At(unsafe.Pointer(cellAddr))
	if h.Type() == bufferSentinelType {
		return 0
	}
	// Return the payload pointer, not the header address, so the result
	// can be fed straight back into QueueRoot/PushRoot-style calls like
	// any other object pointer Alloc handed out.
	return cellAddr + headerSize
}

// bufferSentinelType is a reserved, never-instantiated type descriptor
// used to tag pool cells that actually hold tracked malloc-buffer
// bookkeeping rather than a managed object, so the conservative
// resolver excludes them (spec.md §6: "Cells with a sentinel 'buffer'
// type tag must not be returned").
var bufferSentinelType = &objheader.TypeDescriptor{Name: "<buffer>"}

// EnableConservativeGCSupport idempotently enables conservative root
// scanning support and triggers one full collection to realign age
// bits (spec.md §6).
func (c *Collector) EnableConservativeGCSupport() {
	if c.conservativeEnabled.Swap(true) {
		return
	}
	c.markResetPending.Store(true)
	_ = c.Collect(nil, "full")
}

// PermAlloc implements `perm_alloc(size, zero, align, offset)`.
func (c *Collector) PermAlloc(size uintptr, zero bool, align, offset uintptr) (unsafe.Pointer, error) {
	return c.perm.alloc(size, zero, align, offset)
}

// Stats returns a point-in-time snapshot of the collector's counters.
func (c *Collector) Stats() statlog.StatSnapshot {
	return c.stats.Snapshot()
}

// DumpHeap exports a heap snapshot under the process-wide heap-dump
// lock, walking every pool cell whose bits are MARKED, OLD or OLD_MARKED
// (CLEAN cells, including young survivors a sweep demoted back to CLEAN,
// are not emitted) and big object (spec.md §5:
// "Heap-snapshot lock serializes exports").
func (c *Collector) DumpHeap(w io.Writer) error {
	lockPath := c.heapDumpLockPath
	if lockPath == "" {
		lockPath = ".gogc-heapdump.lock"
	}
	return heapdump.Dump(lockPath, w, func(emit func(heapdump.Record)) {
		c.pageMap.EachAllocatedPage(func(meta *pagemap.Meta) {
			cellSize := c.pool.Classes[meta.SizeClass].CellSize
			pageSize := c.pages.PageSize()
			ncells := int(pageSize / cellSize)
			base := uintptr(meta.Base)
			for i := 0; i < ncells; i++ {
				cellAddr := base + uintptr(i)*cellSize
				h := objheader.At(unsafe.Pointer(cellAddr))
				if !h.Bits().IsMarked() && h.Bits() != objheader.Old && h.Bits() != objheader.OldMarked {
					continue
				}
				typ := h.Type()
				if typ == nil || typ == bufferSentinelType {
					continue
				}
				emit(heapdump.Record{Addr: cellAddr + headerSize, Type: typ.Name, Size: typ.Size})
			}
		})
		for _, t := range c.threadSnapshot() {
			t.BigObjects.Each(func(r *bigobj.Record) {
				typ := r.Type()
				name := "<unknown>"
				if typ != nil {
					name = typ.Name
				}
				emit(heapdump.Record{Addr: r.Payload(), Type: name, Size: r.Size})
			})
		}
	})
}

