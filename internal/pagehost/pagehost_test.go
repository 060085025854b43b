package pagehost

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func TestAcquireReturnsAlignedPage(t *testing.T) {
	s := New(testPageSize)
	p, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p)

	addr := uintptr(p)
	assert.Zero(t, addr%testPageSize, "page address must be aligned to the page size")
}

func TestAcquiredPageIsWritable(t *testing.T) {
	s := New(testPageSize)
	p, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p)

	buf := unsafe.Slice((*byte)(p), testPageSize)
	buf[0] = 0xAB
	buf[testPageSize-1] = 0xCD
	assert.Equal(t, byte(0xAB), buf[0])
	assert.Equal(t, byte(0xCD), buf[testPageSize-1])
}

func TestAcquiredPageIsZeroed(t *testing.T) {
	s := New(testPageSize)
	p, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p)

	buf := unsafe.Slice((*byte)(p), testPageSize)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestReleaseAllowsReacquisition(t *testing.T) {
	s := New(testPageSize)
	p1, err := s.Acquire()
	require.NoError(t, err)
	require.NoError(t, s.Release(p1))

	p2, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p2)
	assert.Zero(t, uintptr(p2)%testPageSize)
}

func TestDecommitDoesNotUnmap(t *testing.T) {
	s := New(testPageSize)
	p, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p)

	require.NoError(t, s.Decommit(p))

	// The mapping itself must still be valid after a decommit advisory;
	// writing to it must not fault.
	buf := unsafe.Slice((*byte)(p), testPageSize)
	assert.NotPanics(t, func() { buf[0] = 0x42 })
}

func TestNewPanicsOnNonPowerOfTwoPageSize(t *testing.T) {
	assert.Panics(t, func() { New(0) })
	assert.Panics(t, func() { New(3000) })
}

func TestTrimRSSOnAcquiredRegions(t *testing.T) {
	s := New(testPageSize)
	p, err := s.Acquire()
	require.NoError(t, err)
	defer s.Release(p)

	err = TrimRSS([]unsafe.Pointer{p}, testPageSize)
	assert.NoError(t, err)
}
