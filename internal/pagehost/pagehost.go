// Package pagehost sources fixed-size, self-aligned pages from the
// operating system via mmap, and exposes the host's RSS-trim primitive.
// It is the one place in this module that talks to the kernel directly,
// the way TinyGo's builder package isolates the Boehm-GC mmap flags
// (builder/bdwgc.go: "-DUSE_MMAP", "-DUSE_MUNMAP") behind a small
// surface instead of scattering syscalls through the collector.
package pagehost

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Source mmaps pages of a fixed size, each aligned to that size so an
// address's page can be found by masking off the low bits (used by the
// page map, component A, and the conservative resolver).
type Source struct {
	pageSize uintptr
}

// New returns a Source that hands out pages of pageSize bytes, which
// must be a power of two.
func New(pageSize uintptr) *Source {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("pagehost: page size must be a power of two")
	}
	return &Source{pageSize: pageSize}
}

// PageSize returns the configured page size.
func (s *Source) PageSize() uintptr { return s.pageSize }

// Acquire mmaps one new page, aligned to PageSize. It over-maps to
// PageSize*2 and trims the unaligned head/tail, the same technique
// mheap's sysAlloc uses to get an aligned arena out of an unaligned
// mmap return address.
func (s *Source) Acquire() (unsafe.Pointer, error) {
	size := int(s.pageSize)
	raw, err := unix.Mmap(-1, 0, size*2, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pagehost: mmap: %w", err)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + s.pageSize - 1) &^ (s.pageSize - 1)
	headTrim := aligned - base
	if headTrim > 0 {
		if err := unix.Munmap(raw[:headTrim]); err != nil {
			return nil, fmt.Errorf("pagehost: munmap head: %w", err)
		}
	}
	tailStart := headTrim + s.pageSize
	if tailStart < uintptr(len(raw)) {
		if err := unix.Munmap(raw[tailStart:]); err != nil {
			return nil, fmt.Errorf("pagehost: munmap tail: %w", err)
		}
	}
	return unsafe.Pointer(aligned), nil
}

// Release returns a page obtained from Acquire back to the OS.
func (s *Source) Release(p unsafe.Pointer) error {
	buf := unsafe.Slice((*byte)(p), int(s.pageSize))
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("pagehost: munmap: %w", err)
	}
	return nil
}

// Decommit advises the kernel that a page's contents are no longer
// needed without unmapping it, so a page kept mapped for reuse can shed
// its RSS. The collector's sweep does not call it; it releases fully
// empty pages with Release.
func (s *Source) Decommit(p unsafe.Pointer) error {
	buf := unsafe.Slice((*byte)(p), int(s.pageSize))
	return unix.Madvise(buf, unix.MADV_DONTNEED)
}

// TrimRSS is the host malloc-trim equivalent spec.md §4.I step 6 calls
// for after a full sweep, "Linux only". glibc's malloc_trim works on the
// process's libc heap, which this collector's mmap-backed pages bypass
// entirely, so the closest equivalent available without cgo is advising
// the kernel to drop clean pages across the address space we manage;
// callers pass the ranges they just freed.
func TrimRSS(regions []unsafe.Pointer, pageSize uintptr) error {
	for _, p := range regions {
		buf := unsafe.Slice((*byte)(p), int(pageSize))
		if err := unix.Madvise(buf, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("pagehost: madvise: %w", err)
		}
	}
	return nil
}
