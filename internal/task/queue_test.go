package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushAndSnapshotPreservesOrder(t *testing.T) {
	var q Queue
	t1, t2, t3 := New(), New(), New()
	q.Push(t1)
	q.Push(t2)
	q.Push(t3)

	assert.Equal(t, []*Thread{t1, t2, t3}, q.Snapshot())
}

func TestRemoveHeadMiddleAndTail(t *testing.T) {
	var q Queue
	t1, t2, t3 := New(), New(), New()
	q.Push(t1)
	q.Push(t2)
	q.Push(t3)

	assert.True(t, q.Remove(t2))
	assert.Equal(t, []*Thread{t1, t3}, q.Snapshot())

	assert.True(t, q.Remove(t1))
	assert.Equal(t, []*Thread{t3}, q.Snapshot())

	assert.True(t, q.Remove(t3))
	assert.Empty(t, q.Snapshot())
}

func TestRemoveUnknownThreadReturnsFalse(t *testing.T) {
	var q Queue
	t1 := New()
	q.Push(t1)

	assert.False(t, q.Remove(New()))
	assert.Equal(t, []*Thread{t1}, q.Snapshot())
}

func TestRemoveTailUpdatesTailForSubsequentPush(t *testing.T) {
	var q Queue
	t1, t2 := New(), New()
	q.Push(t1)
	q.Push(t2)

	require := assert.New(t)
	require.True(q.Remove(t2))

	t3 := New()
	q.Push(t3)
	require.Equal([]*Thread{t1, t3}, q.Snapshot())
}

func TestEachVisitsEveryThread(t *testing.T) {
	var q Queue
	t1, t2 := New(), New()
	q.Push(t1)
	q.Push(t2)

	var seen []*Thread
	q.Each(func(t *Thread) { seen = append(seen, t) })
	assert.Equal(t, []*Thread{t1, t2}, seen)
}
