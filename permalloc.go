package gogc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	permPoolSize       = 2 * 1024 * 1024 // 2 MiB, spec.md §6
	permLargeThreshold = 20 * 1024       // 20 KiB, spec.md §6
)

// permAllocator bump-allocates from fixed 2 MiB pools for small
// permanent allocations and falls through to a direct host allocation
// for anything at or above 20 KiB (spec.md §6: "Permanent allocation
// region"). Nothing handed out by PermAlloc is ever reclaimed.
type permAllocator struct {
	mu     sync.Mutex // the "permanent-allocation lock" spec.md §5 names
	pool   uintptr
	offset uintptr
}

func (p *permAllocator) growPool() error {
	buf, err := unix.Mmap(-1, 0, permPoolSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return err
	}
	p.pool = uintptr(unsafe.Pointer(&buf[0]))
	p.offset = 0
	return nil
}

// alloc bump-allocates size bytes, zeroing them if zero is true, and
// aligning the returned address so that (addr+offset)%align == 0 (the
// caller-supplied offset/align contract spec.md §6 describes for
// embedding a permanently-allocated cell inside a larger aligned
// structure).
func (p *permAllocator) alloc(size uintptr, zero bool, align, offset uintptr) (unsafe.Pointer, error) {
	if align == 0 {
		align = 1
	}
	if size >= permLargeThreshold {
		buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			return nil, err
		}
		addr := uintptr(unsafe.Pointer(&buf[0]))
		return unsafe.Pointer(alignForOffset(addr, align, offset)), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool == 0 {
		if err := p.growPool(); err != nil {
			return nil, err
		}
	}
	start := alignForOffset(p.pool+p.offset, align, offset) - p.pool
	if start+size > permPoolSize {
		if err := p.growPool(); err != nil {
			return nil, err
		}
		start = alignForOffset(p.pool+p.offset, align, offset) - p.pool
	}
	addr := p.pool + start
	p.offset = start + size
	ptr := unsafe.Pointer(addr)
	if zero {
		buf := unsafe.Slice((*byte)(ptr), int(size))
		for i := range buf {
			buf[i] = 0
		}
	}
	return ptr, nil
}

// alignForOffset returns the smallest addr' >= addr such that
// (addr'+offset) % align == 0.
func alignForOffset(addr, align, offset uintptr) uintptr {
	rem := (addr + offset) % align
	if rem == 0 {
		return addr
	}
	return addr + (align - rem)
}
