package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterPrependsAndEachVisitsAll(t *testing.T) {
	var l List
	l.Register(0x1, 0x10, 8)
	l.Register(0x2, 0x20, 16)

	var owners []uintptr
	l.Each(func(r *Record) { owners = append(owners, r.Owner) })
	assert.Equal(t, []uintptr{0x2, 0x1}, owners)
}

func TestSweepFreesUnmarkedAndKeepsMarked(t *testing.T) {
	var l List
	l.Register(0xAAAA, 0x1000, 64)
	l.Register(0xBBBB, 0x2000, 32)
	l.Register(0xCCCC, 0x3000, 16)

	isMarked := func(owner uintptr) bool { return owner == 0xAAAA || owner == 0xCCCC }

	var freed []uintptr
	l.Sweep(isMarked, func(ptr, size uintptr) { freed = append(freed, ptr) })

	assert.Equal(t, []uintptr{0x2000}, freed)

	var remaining []uintptr
	l.Each(func(r *Record) { remaining = append(remaining, r.Owner) })
	assert.ElementsMatch(t, []uintptr{0xAAAA, 0xCCCC}, remaining)
}

func TestSweepOnEmptyListIsNoOp(t *testing.T) {
	var l List
	called := false
	l.Sweep(func(uintptr) bool { return false }, func(uintptr, uintptr) { called = true })
	assert.False(t, called)
}
