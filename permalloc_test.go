package gogc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermAllocReturnsZeroedMemoryWhenRequested(t *testing.T) {
	var p permAllocator
	ptr, err := p.alloc(64, true, 8, 0)
	require.NoError(t, err)

	buf := unsafe.Slice((*byte)(ptr), 64)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestPermAllocRespectsAlignmentAndOffset(t *testing.T) {
	var p permAllocator
	ptr, err := p.alloc(32, false, 16, 8)
	require.NoError(t, err)

	addr := uintptr(ptr)
	assert.Zero(t, (addr+8)%16, "addr+offset must be a multiple of align")
}

func TestPermAllocSmallRequestsShareOnePool(t *testing.T) {
	var p permAllocator
	a, err := p.alloc(64, false, 8, 0)
	require.NoError(t, err)
	b, err := p.alloc(64, false, 8, 0)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	diff := int64(uintptr(b)) - int64(uintptr(a))
	assert.True(t, diff > 0 && diff < permPoolSize, "both allocations should land in the same bump pool")
}

func TestPermAllocLargeRequestBypassesPool(t *testing.T) {
	var p permAllocator
	ptr, err := p.alloc(permLargeThreshold, false, 8, 0)
	require.NoError(t, err)
	assert.NotNil(t, ptr)
	// A large request must not have touched the small-allocation pool.
	assert.Equal(t, uintptr(0), p.pool)
}

func TestPermAllocGrowsPoolWhenExhausted(t *testing.T) {
	var p permAllocator
	_, err := p.alloc(64, false, 8, 0)
	require.NoError(t, err)
	firstPool := p.pool

	// Fill the first pool with requests just under the large threshold
	// until the next one no longer fits.
	for p.offset+permLargeThreshold <= permPoolSize {
		_, err = p.alloc(permLargeThreshold-1, false, 8, 0)
		require.NoError(t, err)
	}
	_, err = p.alloc(permLargeThreshold-1, false, 8, 0)
	require.NoError(t, err)
	assert.NotEqual(t, firstPool, p.pool, "exhausting the pool must grow a fresh one")
}

func TestAlignForOffset(t *testing.T) {
	assert.Equal(t, uintptr(16), alignForOffset(10, 8, 0))
	assert.Equal(t, uintptr(8), alignForOffset(8, 8, 0))
	assert.Equal(t, uintptr(0), alignForOffset(0, 8, 0))
}
