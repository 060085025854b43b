// Package task models the host runtime's thread/mutator abstraction that
// the collector core treats as an external collaborator (see spec §1).
// It is adapted from TinyGo's internal/task package: that package's
// goroutine-as-OS-thread scheduler (task_threads.go) parks and resumes
// goroutines with a counting semaphore keyed off a futex; here a
// buffered channel parks and resumes *mutators* at a collector
// safepoint instead.
package task

import (
	"sync/atomic"

	"github.com/dynvm/gogc/internal/bigobj"
	"github.com/dynvm/gogc/internal/buffer"
	"github.com/dynvm/gogc/internal/finalizer"
	"github.com/dynvm/gogc/internal/pool"
	"github.com/dynvm/gogc/internal/wbarrier"
)

// GC state values polled by the collector while waiting for mutators to
// park at a safepoint (spec §4.I step 3, §5 "Memory ordering").
const (
	GCStateRunning int32 = iota
	GCStateParked
)

// Thread is the collector's view of one mutator. The host runtime embeds
// this (or a pointer to it) in its own per-thread state block; the
// collector core only ever touches the fields declared here.
type Thread struct {
	// Next links this thread into the collector's global thread list.
	// Only the collector's thread-registration lock protects this field.
	Next *Thread

	id int64

	// gcState is polled by the collector (acquire) and stored by the
	// mutator when it reaches a safepoint (release); see spec §5.
	gcState atomic.Int32

	park chan struct{}

	// StackTop/StackBottom bound this thread's shadow/goroutine stack for
	// conservative root scanning, mirroring task.state.stackTop in the
	// teacher's thread-backed scheduler.
	StackTop, StackBottom uintptr

	// Per-thread GC-owned state (spec §3): a pool allocation cache, a
	// big-object list, a malloc-buffer list, swappable remembered-set
	// buffers, and a pending finalizer list. Each mutator thread owns
	// these outright; the collector only ever walks them during a
	// stop-the-world pause. Pool is nil until the collector's allocator
	// registers this thread (it alone knows the size-class table), so
	// New cannot build it directly.
	Pool       *pool.Cache
	BigObjects bigobj.List
	Buffers    buffer.List
	Remsets    wbarrier.ThreadRemsets
	FinList    finalizer.ThreadList
}

var nextThreadID atomic.Int64

// New creates a Thread ready to be registered with a collector. The
// caller must still set t.Pool (via the collector's pool.Allocator)
// before the thread allocates anything.
func New() *Thread {
	t := &Thread{
		id:   nextThreadID.Add(1),
		park: make(chan struct{}, 1),
	}
	t.gcState.Store(GCStateRunning)
	return t
}

// ID returns a small integer unique to this thread for diagnostics.
func (t *Thread) ID() int64 { return t.id }

// GCState returns the thread's current safepoint state with acquire
// semantics, matching spec §5's "mutators acquire-load their gc_state".
func (t *Thread) GCState() int32 { return t.gcState.Load() }

// EnterSafepoint marks the thread parked and blocks until Resume is
// called by the collector once the stop-the-world window closes. The
// caller must only invoke this after observing the collector's
// safepoint page raised (spec §5 "Suspension points").
func (t *Thread) EnterSafepoint() {
	t.gcState.Store(GCStateParked)
	<-t.park
	t.gcState.Store(GCStateRunning)
}

// Resume wakes a thread parked in EnterSafepoint. The collector calls
// this exactly once per thread after sweep completes (spec §4.I step 7).
func (t *Thread) Resume() {
	t.park <- struct{}{}
}
