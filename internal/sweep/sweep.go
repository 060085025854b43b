// Package sweep implements the generational sweep phase (spec.md §4.G):
// weak references, stack pools, foreign-swept objects, malloc buffers,
// big objects, and pool pages, in that order, with a quick mode that
// only visits pages/records touched since the last full sweep and a
// full mode that reclaims the old generation too.
package sweep

import (
	"unsafe"

	"github.com/dynvm/gogc/internal/bigobj"
	"github.com/dynvm/gogc/internal/buffer"
	"github.com/dynvm/gogc/internal/objheader"
	"github.com/dynvm/gogc/internal/pagemap"
	"github.com/dynvm/gogc/internal/pool"
)

// WeakRef is a cleared-on-death pointer (spec.md §3: "Weak reference").
// Target is zeroed once the referent fails to survive a sweep.
type WeakRef struct {
	Target uintptr
}

// ThreadSweepState is the per-thread state sweep needs: the pool cache
// it rebuilds freelists into, and the big-object/buffer lists it walks.
// Callers copy these four fields out of each internal/task.Thread (see
// the root package's collectOnce) instead of passing an interface.
type ThreadSweepState struct {
	Owner      uintptr
	Pool       *pool.Cache
	BigObjects *bigobj.List
	Buffers    *buffer.List
}

// Sweeper holds the allocator handles sweep needs and the host hooks
// for concerns outside this module's scope.
type Sweeper struct {
	PageMap    *pagemap.Map
	Pool       *pool.Allocator
	BigObjects *bigobj.Allocator

	// SweepStackPools recycles or releases cached task stacks; stack
	// pooling itself belongs to the host task/thread model (spec.md §1).
	SweepStackPools func(quick bool)

	// SweepForeign lets an embedder hook a foreign allocator's sweep into
	// this cycle (spec.md §4.G: "foreign-swept objects").
	SweepForeign func(quick bool)

	// FreeBuffer releases one malloc-backed buffer whose owning object
	// did not survive (spec.md §4.D). Required: buffer.List.Sweep always
	// calls back into this for every reclaimed record.
	FreeBuffer func(ptr, size uintptr)

	// OldCount accumulates the number of old-generation cells/records
	// observed across this sweep, for the driver's interval heuristics.
	OldCount int64

	// FreedBytes accumulates the size of every cell, buffer, and
	// big-object record actually reclaimed this sweep, for the driver's
	// "freed < 70% of allocated" interval-doubling heuristic (spec.md
	// §4.I step 6).
	FreedBytes int64
}

// SweepWeakRefs clears every weak reference whose target did not
// survive this cycle's mark phase (spec.md §4.G step 1).
func SweepWeakRefs(refs []*WeakRef, isMarked func(uintptr) bool) {
	for _, r := range refs {
		if r.Target != 0 && !isMarked(r.Target) {
			r.Target = 0
		}
	}
}

// Run performs one sweep cycle across every thread's owned state, in
// spec.md §4.G's order: weak refs → stack pools → foreign → buffers →
// big objects → pool pages. Weak refs are swept by the caller via
// SweepWeakRefs before calling Run, since the weak-ref table lives in
// the root collector package, not here.
func (s *Sweeper) Run(quick bool, threads []ThreadSweepState, isMarked func(uintptr) bool) {
	s.OldCount = 0
	s.FreedBytes = 0

	if s.SweepStackPools != nil {
		s.SweepStackPools(quick)
	}
	if s.SweepForeign != nil {
		s.SweepForeign(quick)
	}

	for _, t := range threads {
		s.sweepBuffers(t, isMarked)
		s.sweepBigObjects(quick, t)
	}

	s.sweepPoolPages(quick)
}

func (s *Sweeper) sweepBuffers(t ThreadSweepState, isMarked func(uintptr) bool) {
	if t.Buffers == nil {
		return
	}
	t.Buffers.Sweep(isMarked, func(ptr, size uintptr) {
		if s.FreeBuffer != nil {
			s.FreeBuffer(ptr, size)
		}
		s.FreedBytes += int64(size)
	})
}

// sweepBigObjects walks one thread's big-object list, reclaiming
// unmarked records, demoting marked ones, and promoting records that
// have aged past the threshold (spec.md §4.C, §4.G).
func (s *Sweeper) sweepBigObjects(quick bool, t ThreadSweepState) {
	if t.BigObjects == nil || s.BigObjects == nil {
		return
	}
	t.BigObjects.Each(func(r *bigobj.Record) {
		bits := r.Bits()
		switch bits {
		case objheader.Clean:
			s.FreedBytes += int64(r.Size)
			s.BigObjects.Free(t.BigObjects, r)
		case objheader.Marked:
			// Two-sweep promotion (spec.md §3, §6; mirrors the pool-page
			// rule below): quick sweeps never age or promote big objects,
			// so a MARKED record just demotes back to CLEAN there; only a
			// full sweep advances the age counter toward promotionAge.
			r.SetBits(objheader.Clean)
			if !quick && r.AgeAndPromote() {
				r.SetBits(objheader.Old)
			}
		case objheader.Old:
			if !quick {
				s.FreedBytes += int64(r.Size)
				s.BigObjects.Free(t.BigObjects, r)
			} else {
				s.OldCount++
			}
		case objheader.OldMarked:
			if quick {
				// Quick mode preserves OLD_MARKED: it never collects the
				// old generation, so demoting the mark bit here would lose
				// the fact that this record is still reachable.
				s.OldCount++
			} else {
				r.SetBits(objheader.Old)
				s.OldCount++
			}
		}
	})
}

// sweepPoolPages rebuilds every eligible page's freelist (spec.md
// §4.B/§4.G). Quick sweeps skip a page when it has no young cells and
// its free-cell count (NFree) equals PrevFullSweepOldCount, the old
// count the last full sweep recorded; the page's current old count is
// not tracked or compared (spec.md §9's skip heuristic). Full sweeps
// visit every allocated page and also reclaim old-generation garbage.
func (s *Sweeper) sweepPoolPages(quick bool) {
	s.PageMap.EachAllocatedPage(func(meta *pagemap.Meta) {
		if quick && !meta.HasYoung && meta.NFree == meta.PrevFullSweepOldCount {
			return
		}
		s.sweepPage(quick, meta)
	})
}

func (s *Sweeper) sweepPage(quick bool, meta *pagemap.Meta) {
	cellSize := s.Pool.Classes[meta.SizeClass].CellSize
	pageSize := s.Pool.Pages.PageSize()
	ncells := int(pageSize / cellSize)
	base := uintptr(meta.Base)

	var freeHead unsafe.Pointer
	nfree := int32(0)
	oldCount := int32(0)
	hasMarked := false
	hasYoung := false

	for i := 0; i < ncells; i++ {
		cellAddr := base + uintptr(i)*cellSize
		cell := unsafe.Pointer(cellAddr)
		h := objheader.At(cell)
		switch h.Bits() {
		case objheader.Clean:
			*(*unsafe.Pointer)(cell) = freeHead
			freeHead = cell
			nfree++
			s.FreedBytes += int64(cellSize)
		case objheader.Marked:
			// Two-sweep promotion (spec.md §3, §6): a cell's first survival
			// as MARKED demotes it to CLEAN with its age bit set and
			// has_young set; only a *second* survival — found MARKED again
			// with the age bit already set — promotes to OLD, and only in
			// full mode, since quick sweeps never age or promote.
			if quick {
				h.SetBits(objheader.Clean)
				hasYoung = true
				continue
			}
			if meta.AgeBit(i) {
				h.SetBits(objheader.Old)
				meta.SetAgeBit(i, false)
				oldCount++
			} else {
				h.SetBits(objheader.Clean)
				meta.SetAgeBit(i, true)
				hasYoung = true
			}
		case objheader.Old:
			if quick {
				oldCount++
				continue
			}
			*(*unsafe.Pointer)(cell) = freeHead
			freeHead = cell
			nfree++
			s.FreedBytes += int64(cellSize)
		case objheader.OldMarked:
			if quick {
				// Quick mode preserves OLD_MARKED rather than demoting it:
				// quick sweeps never collect the old generation, so losing
				// the mark bit here would lose reachability information.
				oldCount++
				hasMarked = true
				continue
			}
			h.SetBits(objheader.Old)
			oldCount++
			hasMarked = true
		}
	}

	meta.NFree = nfree
	meta.HasYoung = hasYoung
	meta.HasMarked = hasMarked
	if !quick {
		meta.PrevFullSweepOldCount = oldCount
	}
	s.OldCount += int64(oldCount)

	// A fully empty page (every cell free, nothing survived) is released
	// back to the host outright rather than kept for reuse, bounding the
	// pool's resident page count to what's actually live (spec.md §4.G:
	// RSS trim). Otherwise the rebuilt freelist is left on the page's own
	// metadata rather than installed into a thread cache here: a page's
	// original allocating thread may no longer exist by sweep time. No
	// caller installs it (pool.InstallPage and pool.SetFreelist are not
	// called by the collector), so cells freed on a partly live page are
	// not handed out again.
	if int(nfree) == ncells {
		s.PageMap.Remove(base)
		_ = s.Pool.Pages.Release(meta.Base)
		return
	}
	meta.Freelist = freeHead
}
