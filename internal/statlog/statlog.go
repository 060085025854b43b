// Package statlog provides the collector's cycle logging and the
// point-in-time counters snapshot exposed to embedders. No logging
// library appears anywhere in the retrieved example pack (the teacher's
// own `debug.GCStats` stub and `other_examples/kopia-kopia`'s `Stats`
// are both plain structs printed with `fmt`), so this package logs with
// the standard library's `log` package rather than reaching for an
// unrepresented structured-logging dependency — see DESIGN.md.
package statlog

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
)

// Logger writes one line per notable collector event: a finished cycle,
// a recovered finalizer panic, or a one-shot warning. It is safe for
// concurrent use, since statlog calls can originate from mutator
// threads (e.g. logging a finalizer panic) as well as the collector
// thread.
type Logger struct {
	mu  sync.Mutex
	out *log.Logger

	warnOnce map[string]bool
}

// New builds a Logger writing to w, prefixed the way the teacher's CLI
// tools prefix diagnostic output.
func New(w io.Writer) *Logger {
	return &Logger{
		out:      log.New(w, "gogc: ", log.LstdFlags),
		warnOnce: make(map[string]bool),
	}
}

// Cycle logs one completed collection cycle's headline numbers.
func (l *Logger) Cycle(kind string, liveBytes, freedBytes uint64, pause time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("%s collection: live=%s freed=%s pause=%s",
		kind, bytesize.New(float64(liveBytes)), bytesize.New(float64(freedBytes)), pause)
}

// FinalizerPanic logs a finalizer that panicked, recovered by the
// runner so the remaining finalizers still execute (spec.md §7).
func (l *Logger) FinalizerPanic(obj uintptr, recovered any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf("finalizer panic on object %#x: %v", obj, recovered)
}

// WarnOnce logs msg exactly once per distinct key for the lifetime of
// this Logger — used by the double-enable-finalizers one-shot warning
// (spec.md §7).
func (l *Logger) WarnOnce(key, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.warnOnce[key] {
		return
	}
	l.warnOnce[key] = true
	l.out.Printf("warning: %s", msg)
}

// StatSnapshot is a point-in-time copy of the global state spec.md §3
// names: allocation/liveness counters, the current collection interval,
// and the max-total-memory target.
type StatSnapshot struct {
	LiveBytes           uint64
	AllocatedBytes      uint64
	FreedBytes          uint64
	NumQuickCollections uint64
	NumFullCollections  uint64
	CurrentInterval     uint64
	MaxTotalMemory      uint64
	LastCollection      time.Time
	LastPause           time.Duration
}

// String renders the snapshot the way a CLI demo or log line would,
// using go-bytesize to keep byte counts human-readable.
func (s StatSnapshot) String() string {
	return fmt.Sprintf(
		"live=%s allocated=%s freed=%s quick=%d full=%d interval=%s max_mem=%s last_pause=%s",
		bytesize.New(float64(s.LiveBytes)),
		bytesize.New(float64(s.AllocatedBytes)),
		bytesize.New(float64(s.FreedBytes)),
		s.NumQuickCollections,
		s.NumFullCollections,
		bytesize.New(float64(s.CurrentInterval)),
		bytesize.New(float64(s.MaxTotalMemory)),
		s.LastPause,
	)
}

// Counters accumulates the live counters a running collector mutates;
// Collector.Stats() copies this into an immutable StatSnapshot.
type Counters struct {
	mu sync.Mutex

	LiveBytes           uint64
	AllocatedBytes      uint64
	FreedBytes          uint64
	NumQuickCollections uint64
	NumFullCollections  uint64
	CurrentInterval     uint64
	MaxTotalMemory      uint64
	LastCollection      time.Time
	LastPause           time.Duration
}

func (c *Counters) RecordAlloc(n uint64) {
	c.mu.Lock()
	c.AllocatedBytes += n
	c.LiveBytes += n
	c.mu.Unlock()
}

func (c *Counters) RecordFree(n uint64) {
	c.mu.Lock()
	c.FreedBytes += n
	if n > c.LiveBytes {
		c.LiveBytes = 0
	} else {
		c.LiveBytes -= n
	}
	c.mu.Unlock()
}

func (c *Counters) RecordCycle(quick bool, when time.Time, pause time.Duration) {
	c.mu.Lock()
	if quick {
		c.NumQuickCollections++
	} else {
		c.NumFullCollections++
	}
	c.LastCollection = when
	c.LastPause = pause
	c.mu.Unlock()
}

func (c *Counters) Snapshot() StatSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatSnapshot{
		LiveBytes:           c.LiveBytes,
		AllocatedBytes:      c.AllocatedBytes,
		FreedBytes:          c.FreedBytes,
		NumQuickCollections: c.NumQuickCollections,
		NumFullCollections:  c.NumFullCollections,
		CurrentInterval:     c.CurrentInterval,
		MaxTotalMemory:      c.MaxTotalMemory,
		LastCollection:      c.LastCollection,
		LastPause:           c.LastPause,
	}
}
