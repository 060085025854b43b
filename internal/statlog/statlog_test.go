package statlog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCycleLogsKindAndNumbers(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.Cycle("quick", 1024, 512, 2*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "gogc: ")
	assert.Contains(t, out, "quick collection")
	assert.Contains(t, out, "2ms")
}

func TestFinalizerPanicLogsObjectAndValue(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.FinalizerPanic(0xdead, "boom")

	out := buf.String()
	assert.Contains(t, out, "0xdead")
	assert.Contains(t, out, "boom")
}

func TestWarnOnceLogsOnlyFirstCall(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.WarnOnce("double-enable", "finalizers already enabled")
	l.WarnOnce("double-enable", "finalizers already enabled")

	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 1, lines)
}

func TestWarnOnceDistinctKeysBothLog(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)

	l.WarnOnce("a", "first")
	l.WarnOnce("b", "second")

	lines := strings.Count(buf.String(), "\n")
	assert.Equal(t, 2, lines)
}

func TestCountersRecordAllocAndFree(t *testing.T) {
	var c Counters
	c.RecordAlloc(100)
	c.RecordAlloc(50)
	c.RecordFree(30)

	snap := c.Snapshot()
	assert.Equal(t, uint64(150), snap.AllocatedBytes)
	assert.Equal(t, uint64(30), snap.FreedBytes)
	assert.Equal(t, uint64(120), snap.LiveBytes)
}

func TestCountersRecordFreeClampsAtZero(t *testing.T) {
	var c Counters
	c.RecordAlloc(10)
	c.RecordFree(100)

	snap := c.Snapshot()
	assert.Equal(t, uint64(0), snap.LiveBytes)
	assert.Equal(t, uint64(100), snap.FreedBytes)
}

func TestCountersRecordCycleTracksQuickAndFull(t *testing.T) {
	var c Counters
	now := time.Unix(1000, 0)
	c.RecordCycle(true, now, time.Millisecond)
	c.RecordCycle(false, now.Add(time.Second), 2*time.Millisecond)
	c.RecordCycle(true, now.Add(2*time.Second), 3*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, uint64(2), snap.NumQuickCollections)
	assert.Equal(t, uint64(1), snap.NumFullCollections)
	assert.Equal(t, 3*time.Millisecond, snap.LastPause)
	assert.Equal(t, now.Add(2*time.Second), snap.LastCollection)
}

func TestStatSnapshotStringIncludesHeadlineFields(t *testing.T) {
	s := StatSnapshot{
		LiveBytes:           1024,
		AllocatedBytes:      2048,
		FreedBytes:          512,
		NumQuickCollections: 3,
		NumFullCollections:  1,
		CurrentInterval:     100,
		MaxTotalMemory:      1 << 30,
		LastPause:           5 * time.Millisecond,
	}

	out := s.String()
	assert.Contains(t, out, "quick=3")
	assert.Contains(t, out, "full=1")
	assert.Contains(t, out, "5ms")
}
