package task

import "sync"

// Queue is a FIFO container of threads, used for the collector's global
// thread-registration list. Adapted from TinyGo's internal/task.Queue,
// generalized from scheduler tasks to mutator threads and backed by a
// plain mutex instead of an interrupt-disable spinlock (there's no
// interrupt controller to mask on a hosted OS thread).
//
// The zero value is an empty queue.
type Queue struct {
	mu         sync.Mutex
	head, tail *Thread
}

// Push a thread onto the queue.
func (q *Queue) Push(t *Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Next = nil
	if q.tail != nil {
		q.tail.Next = t
	}
	q.tail = t
	if q.head == nil {
		q.head = t
	}
}

// Remove takes t out of the queue wherever it is. Reports whether t was
// found.
func (q *Queue) Remove(t *Thread) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := &q.head; *p != nil; p = &(*p).Next {
		if *p == t {
			*p = t.Next
			if q.tail == t {
				if p == &q.head {
					q.tail = nil
				} else {
					// find new tail by walking from head is wasteful but
					// this path only runs on thread exit, not per cycle.
					q.tail = q.head
					for q.tail != nil && q.tail.Next != nil {
						q.tail = q.tail.Next
					}
				}
			}
			t.Next = nil
			return true
		}
	}
	return false
}

// Each calls fn for every thread currently in the queue. fn must not
// mutate the queue.
func (q *Queue) Each(fn func(*Thread)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := q.head; t != nil; t = t.Next {
		fn(t)
	}
}

// Snapshot returns a slice of every thread currently registered. Used by
// the collector driver to fix the set of mutators to wait on for one GC
// cycle (spec §4.I step 3: "snapshot the list of all thread pointers").
func (q *Queue) Snapshot() []*Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	threads := make([]*Thread, 0, 8)
	for t := q.head; t != nil; t = t.Next {
		threads = append(threads, t)
	}
	return threads
}
