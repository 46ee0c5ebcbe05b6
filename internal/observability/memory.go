package observability

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// MemStatsReader abstracts runtime.MemStats reading for testability.
type MemStatsReader interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsReader struct{}

func (runtimeMemStatsReader) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// PressureMonitor polls runtime.MemStats while a capture accumulates
// sample series and invokes a callback when usage exceeds a threshold
// relative to GOMEMLIMIT. Long captures at short intervals grow without
// bound; the callback gives the runtime a chance to return memory before
// the limit is hit.
type PressureMonitor struct {
	threshold float64
	callback  func()
	interval  time.Duration
	reader    MemStatsReader
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewPressureMonitor creates a monitor that calls callback when memory
// usage exceeds threshold * GOMEMLIMIT. If reader is nil, the real
// runtime.ReadMemStats is used.
func NewPressureMonitor(threshold float64, callback func(), interval time.Duration, reader MemStatsReader) *PressureMonitor {
	if reader == nil {
		reader = runtimeMemStatsReader{}
	}
	return &PressureMonitor{
		threshold: threshold,
		callback:  callback,
		interval:  interval,
		reader:    reader,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background polling goroutine.
func (m *PressureMonitor) Start() {
	go m.run()
}

func (m *PressureMonitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.check() {
				slog.Warn("memory pressure detected during capture, triggering callback")
				m.callback()
			}
		}
	}
}

// check returns true if memory usage exceeds the threshold relative to
// GOMEMLIMIT.
func (m *PressureMonitor) check() bool {
	limit := debug.SetMemoryLimit(-1) // read current limit without changing it
	if limit <= 0 {
		return false // GOMEMLIMIT not set
	}

	var stats runtime.MemStats
	m.reader.ReadMemStats(&stats)

	usage := stats.Sys - stats.HeapReleased
	ratio := float64(usage) / float64(limit)

	return ratio > m.threshold
}

// Stop halts the background polling goroutine. Safe to call multiple times.
func (m *PressureMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
