// Package callback implements the six idempotent callback registration
// chains spec.md §2 lists for component J, grounded directly on
// `original_source/src/gc.c`'s `jl_gc_register_callback`/
// `jl_gc_deregister_callback`: root scanners, task scanners, pre-GC,
// post-GC, external-alloc, and external-free hooks.
package callback

import (
	"reflect"
	"sync"
)

// RootScanner is invoked once per collection to enumerate any roots the
// collector driver itself doesn't already know about (e.g. an
// embedder's own global table).
type RootScanner func(push func(addr uintptr))

// TaskScanner is invoked once per task/thread the driver already knows
// about, letting an embedder add extra roots specific to that task.
type TaskScanner func(threadID int64, push func(addr uintptr))

// PreGC/PostGC run immediately before/after a collection cycle.
type PreGC func(quick bool)
type PostGC func(quick bool, pauseNanos int64)

// ExternalAlloc/ExternalFree notify external bookkeeping (e.g. an
// embedder's own memory accounting) of big-object and malloc-buffer
// traffic this module's allocators perform on its behalf.
type ExternalAlloc func(size uintptr)
type ExternalFree func(size uintptr)

// chain is a simple registration list for one callback kind.
// Registration is idempotent by function identity (spec.md §4.J / §8
// property 5: "set_cb_X(f, true) called N times leaves exactly one
// registration"), matching the original's fixed-size arrays that
// de-duplicate by pointer equality: funcPointer extracts the same
// underlying code pointer via reflect.Value.Pointer, the technique the
// standard library itself relies on for this purpose (e.g. comparing
// runtime.SetFinalizer's finalizer argument).
type chain[F any] struct {
	mu    sync.Mutex
	next  int
	funcs map[int]F
	keys  map[uintptr]int
}

func newChain[F any]() *chain[F] {
	return &chain[F]{funcs: make(map[int]F), keys: make(map[uintptr]int)}
}

func funcPointer(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Register adds fn to the chain and returns a token for Deregister. If
// fn (by code pointer) is already registered, its existing token is
// returned instead of creating a duplicate entry.
func (c *chain[F]) Register(fn F) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := funcPointer(fn)
	if token, ok := c.keys[key]; ok {
		return token
	}
	token := c.next
	c.next++
	c.funcs[token] = fn
	c.keys[key] = token
	return token
}

// Deregister removes a previously registered callback; removing an
// already-removed or unknown token is a no-op.
func (c *chain[F]) Deregister(token int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, ok := c.funcs[token]; ok {
		delete(c.keys, funcPointer(fn))
	}
	delete(c.funcs, token)
}

func (c *chain[F]) each(fn func(F)) {
	c.mu.Lock()
	snapshot := make([]F, 0, len(c.funcs))
	for _, f := range c.funcs {
		snapshot = append(snapshot, f)
	}
	c.mu.Unlock()
	for _, f := range snapshot {
		fn(f)
	}
}

// Registry holds all six callback chains for one collector instance.
type Registry struct {
	roots          *chain[RootScanner]
	tasks          *chain[TaskScanner]
	preGC          *chain[PreGC]
	postGC         *chain[PostGC]
	externalAlloc  *chain[ExternalAlloc]
	externalFree   *chain[ExternalFree]
}

func NewRegistry() *Registry {
	return &Registry{
		roots:         newChain[RootScanner](),
		tasks:         newChain[TaskScanner](),
		preGC:         newChain[PreGC](),
		postGC:        newChain[PostGC](),
		externalAlloc: newChain[ExternalAlloc](),
		externalFree:  newChain[ExternalFree](),
	}
}

func (r *Registry) RegisterRootScanner(fn RootScanner) int     { return r.roots.Register(fn) }
func (r *Registry) DeregisterRootScanner(token int)            { r.roots.Deregister(token) }
func (r *Registry) RegisterTaskScanner(fn TaskScanner) int      { return r.tasks.Register(fn) }
func (r *Registry) DeregisterTaskScanner(token int)             { r.tasks.Deregister(token) }
func (r *Registry) RegisterPreGC(fn PreGC) int                  { return r.preGC.Register(fn) }
func (r *Registry) DeregisterPreGC(token int)                   { r.preGC.Deregister(token) }
func (r *Registry) RegisterPostGC(fn PostGC) int                { return r.postGC.Register(fn) }
func (r *Registry) DeregisterPostGC(token int)                  { r.postGC.Deregister(token) }
func (r *Registry) RegisterExternalAlloc(fn ExternalAlloc) int  { return r.externalAlloc.Register(fn) }
func (r *Registry) DeregisterExternalAlloc(token int)           { r.externalAlloc.Deregister(token) }
func (r *Registry) RegisterExternalFree(fn ExternalFree) int    { return r.externalFree.Register(fn) }
func (r *Registry) DeregisterExternalFree(token int)            { r.externalFree.Deregister(token) }

func (r *Registry) RunRootScanners(push func(addr uintptr)) {
	r.roots.each(func(fn RootScanner) { fn(push) })
}

func (r *Registry) RunTaskScanners(threadID int64, push func(addr uintptr)) {
	r.tasks.each(func(fn TaskScanner) { fn(threadID, push) })
}

func (r *Registry) RunPreGC(quick bool) {
	r.preGC.each(func(fn PreGC) { fn(quick) })
}

func (r *Registry) RunPostGC(quick bool, pauseNanos int64) {
	r.postGC.each(func(fn PostGC) { fn(quick, pauseNanos) })
}

func (r *Registry) RunExternalAlloc(size uintptr) {
	r.externalAlloc.each(func(fn ExternalAlloc) { fn(size) })
}

func (r *Registry) RunExternalFree(size uintptr) {
	r.externalFree.each(func(fn ExternalFree) { fn(size) })
}
