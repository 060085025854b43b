package gogc

import (
	"sync"

	"github.com/dynvm/gogc/internal/sweep"
)

// WeakRef is a weak reference returned by NewWeakref: Target reads the
// referenced object's address, or 0 once the referent failed to survive
// a collection (spec.md §3: "Weak reference").
type WeakRef = sweep.WeakRef

// weakrefTable is the process-wide list of outstanding weak references,
// swept at the start of every collection's sweep phase (spec.md §4.G
// step 1).
type weakrefTable struct {
	mu   sync.Mutex
	refs []*WeakRef
}

func (t *weakrefTable) register(target uintptr) *WeakRef {
	r := &WeakRef{Target: target}
	t.mu.Lock()
	t.refs = append(t.refs, r)
	t.mu.Unlock()
	return r
}

func (t *weakrefTable) sweep(isMarked func(uintptr) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sweep.SweepWeakRefs(t.refs, isMarked)
	// Drop cleared, never-to-be-reused entries so the table doesn't grow
	// without bound across a long-running process.
	kept := t.refs[:0]
	for _, r := range t.refs {
		if r.Target != 0 {
			kept = append(kept, r)
		}
	}
	t.refs = kept
}
