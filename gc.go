package gogc

import (
	"runtime"
	"time"
	"unsafe"

	"github.com/dynvm/gogc/internal/finalizer"
	"github.com/dynvm/gogc/internal/mark"
	"github.com/dynvm/gogc/internal/objheader"
	"github.com/dynvm/gogc/internal/sweep"
	"github.com/dynvm/gogc/internal/task"
)

// remsetEscalateThreshold is the "large remset" cutoff spec.md §4.I
// step 6 names without a concrete figure; chosen as a round number of
// recorded old→young edges past which a quick collection's mark work
// is no longer meaningfully cheaper than a full one.
const remsetEscalateThreshold = 1 << 16

// HeaderAt and OnMarked satisfy mark.ObjectModel, letting Collector
// itself drive the mark loop without an extra indirection type. addr is
// always the embedder-facing object pointer Alloc returned (the
// payload), with the header stored headerSize bytes before it — the
// same jl_astaggedvalue-style fixed offset for both pool cells and big
// objects (see bigobj.Record's field order).
func (c *Collector) HeaderAt(addr uintptr) *objheader.Header {
	return objheader.At(unsafe.Pointer(addr - headerSize))
}

func (c *Collector) OnMarked(addr uintptr, isYoung bool) {
	// Pool-page and big-object bookkeeping both recompute their own
	// has_marked/has_young state during sweep by re-reading every cell's
	// header, so there is nothing additional to record here; this hook
	// exists because mark.ObjectModel requires it and because a future
	// parallel-marking extension (spec.md §5) would want a place to hang
	// per-object notification without changing the mark loop itself.
}

func (c *Collector) isMarked(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	return objheader.At(unsafe.Pointer(addr - headerSize)).Bits().IsMarked()
}

// PollSafepoint is the suspension point an embedder's allocation fast
// path (or any other cooperative poll) calls on its own thread (spec.md
// §5: "Suspension points... occur on allocation fast paths"). If a
// collection is underway, the calling thread parks until it finishes.
func (c *Collector) PollSafepoint(t *task.Thread) {
	if c.safepoint.Load() {
		t.EnterSafepoint()
	}
}

// Collect implements spec.md §4.I's `collect(kind)` entry point. thread
// is the mutator that triggered the cycle (nil for an embedder-driven
// out-of-band collection); it is exempted from the safepoint wait since
// it already is the collector for this cycle.
func (c *Collector) Collect(thread *task.Thread, kind string) error {
	if !c.enabled.Load() {
		return nil
	}

	// step 2: become the sole collector, or wait for the one in progress
	// to finish and return without collecting.
	if !c.collecting.CompareAndSwap(false, true) {
		for c.collecting.Load() {
			runtime.Gosched()
		}
		return nil
	}
	defer c.collecting.Store(false)

	wantFull := kind == "full"
	if c.forceFullNext.Swap(false) {
		wantFull = true
	}
	quick := !wantFull

	return c.collectOnce(thread, quick)
}

func (c *Collector) collectOnce(thread *task.Thread, quick bool) error {
	start := time.Now()

	// step 3: raise the safepoint and wait for every other thread to park.
	c.raiseSafepoint(thread)

	// step 4.
	c.callbacks.RunPreGC(quick)

	// step 5: mark, post-mark weak-ref/finalizer bookkeeping, sweep.
	resetAges := c.markResetPending.Swap(false)
	c.runMarkPhase(quick, resetAges)

	c.weakrefs.sweep(c.isMarked)

	threads := c.threadSnapshot()
	finLists := make([]*finalizer.ThreadList, len(threads))
	for i, t := range threads {
		finLists[i] = &t.FinList
	}
	c.finalizers.SweepFinalizerLists(finLists, c.isMarked)

	sweepStates := make([]sweep.ThreadSweepState, len(threads))
	for i, t := range threads {
		sweepStates[i] = sweep.ThreadSweepState{
			Owner:      uintptr(unsafe.Pointer(t)),
			Pool:       t.Pool,
			BigObjects: &t.BigObjects,
			Buffers:    &t.Buffers,
		}
	}
	c.sweeper.Run(quick, sweepStates, c.isMarked)

	pause := time.Since(start)
	freed := uint64(c.sweeper.FreedBytes)
	c.stats.RecordFree(freed)
	c.stats.RecordCycle(quick, time.Now(), pause)

	kindLabel := "quick"
	if !quick {
		kindLabel = "full"
	}
	c.log.Cycle(kindLabel, c.stats.Snapshot().LiveBytes, freed, pause)

	// step 6: decide next cycle's parameters.
	c.updateHeuristics(quick, freed)
	if !quick {
		c.maybeTrimRSS()
	}

	// step 7: clear the safepoint, resume mutators, post-GC callbacks,
	// and — unless we're already inside a finalizer — drain to_finalize.
	c.lowerSafepoint(thread)
	c.callbacks.RunPostGC(quick, pause.Nanoseconds())
	if !c.finalizers.InFinalizer() {
		c.finalizers.RunPending()
	}
	return nil
}

// raiseSafepoint publishes the safepoint flag and waits for every
// registered thread other than the caller to observe it and park
// (spec.md §4.I step 3, §5: "release stores to the safepoint page").
func (c *Collector) raiseSafepoint(caller *task.Thread) {
	c.safepoint.Store(true)
	for _, t := range c.threadSnapshot() {
		if t == caller {
			continue
		}
		for t.GCState() != task.GCStateParked {
			runtime.Gosched()
		}
	}
}

// lowerSafepoint clears the flag and resumes every parked thread.
func (c *Collector) lowerSafepoint(caller *task.Thread) {
	c.safepoint.Store(false)
	for _, t := range c.threadSnapshot() {
		if t == caller {
			continue
		}
		if t.GCState() == task.GCStateParked {
			t.Resume()
		}
	}
}

// runMarkPhase implements spec.md §4.F: swap remsets, push every root
// (remembered sets, bindings, finalizer lists, callback-supplied
// roots), then drain the mark stack.
func (c *Collector) runMarkPhase(quick bool, resetAges bool) {
	threads := c.threadSnapshot()
	for _, t := range threads {
		t.Remsets.Swap()
	}
	c.remsetCurrent, c.remsetPrevious = c.remsetPrevious, c.remsetCurrent
	c.remsetCurrent.Reset()

	marker := &mark.Marker{
		Model: c,
		Stack: mark.NewStack(1024),
		Remember: func(obj uintptr) {
			c.remsetCurrent.Append(obj)
		},
		MarkReset: resetAges,
	}

	for _, t := range threads {
		t.Remsets.Previous.Each(func(obj uintptr) { marker.PushRemsetRoot(obj) })
		t.Remsets.Bindings.Each(func(slot unsafe.Pointer) {
			marker.PushRoot(*(*uintptr)(slot))
		})
		t.Remsets.Bindings.Reset()
	}
	c.remsetPrevious.Each(func(obj uintptr) { marker.PushRemsetRoot(obj) })

	marker.PushFinList(c.finalizers.ListMarkedSnapshot())
	for _, t := range threads {
		marker.PushFinList(t.FinList.Snapshot())
	}

	c.callbacks.RunRootScanners(func(addr uintptr) { marker.PushRoot(addr) })
	for _, t := range threads {
		id := t.ID()
		c.callbacks.RunTaskScanners(id, func(addr uintptr) { marker.PushRoot(addr) })
	}

	marker.Run()
}

func (c *Collector) remsetTotalNPtr() uint64 {
	total := c.remsetCurrent.NPtr()
	for _, t := range c.threadSnapshot() {
		total += t.Remsets.Current.NPtr()
	}
	return total
}

// updateHeuristics implements spec.md §4.I step 6's next-cycle
// parameter decisions.
func (c *Collector) updateHeuristics(quick bool, freed uint64) {
	c.tunablesMu.Lock()
	defer c.tunablesMu.Unlock()

	threshold := c.stats.CurrentInterval
	if float64(freed) < 0.7*float64(threshold) {
		doubled := threshold * 2
		if doubled < threshold {
			doubled = c.tunables.MaxCollectInterval // overflow guard
		}
		c.stats.CurrentInterval = doubled
	}

	if c.remsetTotalNPtr() > remsetEscalateThreshold {
		c.forceFullNext.Store(true)
	}

	if c.stats.CurrentInterval > c.tunables.MaxCollectInterval {
		c.stats.CurrentInterval = c.tunables.MaxCollectInterval
	}

	if c.stats.LiveBytes > c.tunables.MaxTotalMemory {
		c.forceFullNext.Store(true)
	}
}

// maybeTrimRSS records the post-full-sweep watermark. The pool and
// big-object allocators already munmap fully empty pages/records at
// sweep time (internal/pagehost.Release), which is this collector's
// only mmap-backed region with anything to give back — there is no
// libc malloc arena backing big objects or permanent allocations for a
// malloc_trim equivalent to act on, so the 25% watermark is only
// recorded in lastTrimRSS rather than driving an additional syscall
// (see DESIGN.md). Stats() does not report it.
func (c *Collector) maybeTrimRSS() {
	live := c.stats.Snapshot().LiveBytes
	if c.lastTrimRSS == 0 || live > c.lastTrimRSS+c.lastTrimRSS/4 {
		c.lastTrimRSS = live
	}
}
