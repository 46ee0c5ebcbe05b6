package observability

import (
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemStatsReader returns pre-configured MemStats for testing.
type fakeMemStatsReader struct {
	sys          uint64
	heapReleased uint64
}

func (f *fakeMemStatsReader) ReadMemStats(m *runtime.MemStats) {
	m.Sys = f.sys
	m.HeapReleased = f.heapReleased
}

func TestPressureMonitorThresholdExceeded(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(100) // 100 bytes limit for test
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	reader := &fakeMemStatsReader{
		sys:          90, // usage 90, ratio 0.9 > 0.8 threshold
		heapReleased: 0,
	}

	mon := NewPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, reader)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Greater(t, called.Load(), int32(0), "callback should have been called")
}

func TestPressureMonitorBelowThreshold(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(100)
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	reader := &fakeMemStatsReader{
		sys:          50, // ratio 0.5 < 0.8 threshold
		heapReleased: 0,
	}

	mon := NewPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, reader)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Equal(t, int32(0), called.Load(), "callback should not have been called")
}

func TestPressureMonitorHugeLimit(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(1 << 62)
	defer debug.SetMemoryLimit(origLimit)

	var called atomic.Int32
	reader := &fakeMemStatsReader{sys: 1000, heapReleased: 0}

	mon := NewPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, reader)

	mon.Start()
	time.Sleep(50 * time.Millisecond)
	mon.Stop()

	assert.Equal(t, int32(0), called.Load(), "ratio against a huge limit is ~0")
}

func TestPressureMonitorStopsCleanly(t *testing.T) {
	origLimit := debug.SetMemoryLimit(-1)
	debug.SetMemoryLimit(100)
	defer debug.SetMemoryLimit(origLimit)

	reader := &fakeMemStatsReader{sys: 90, heapReleased: 0}

	var called atomic.Int32
	mon := NewPressureMonitor(0.8, func() {
		called.Add(1)
	}, 10*time.Millisecond, reader)

	mon.Start()
	time.Sleep(30 * time.Millisecond)
	mon.Stop()

	// Allow any in-flight callback to finish.
	time.Sleep(20 * time.Millisecond)
	countAfterStop := called.Load()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, countAfterStop, called.Load(), "callback should not be called after stop")
}

func TestPressureMonitorDoubleStopSafe(t *testing.T) {
	reader := &fakeMemStatsReader{sys: 50, heapReleased: 0}
	mon := NewPressureMonitor(0.8, func() {}, 10*time.Millisecond, reader)

	mon.Start()
	require.NotPanics(t, func() {
		mon.Stop()
		mon.Stop()
	})
}
