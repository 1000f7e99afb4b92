// Package timeseries tracks a growing counter and reports its rolling rate.
//
// The inparallel CLI counts finished tasks with it, so the dashboard can show
// how fast a batch is draining right now rather than only since the start.
//
// Thread-safe: Add() uses an atomic int64, Stats() acquires a read lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringBufferSize is the number of samples to retain
	ringBufferSize = 300

	// minSampleGap drops samples taken faster than this, so a busy reader
	// cannot flush the history out of the ring.
	minSampleGap = 250 * time.Millisecond

	// Window durations for rolling averages
	window1s  = 1 * time.Second
	window10s = 10 * time.Second
	window60s = 60 * time.Second
)

// Clock interface for testing with deterministic time.
type Clock interface {
	Now() time.Time
}

// realClock uses time.Now() for production.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a point-in-time snapshot of the counter.
type sample struct {
	timestamp time.Time
	count     int64
}

// RateTracker counts events and computes rolling per-second rates.
//
// Usage:
//
//	tracker := NewRateTracker()
//	tracker.Add(1)           // per finished task
//	tracker.RecordSample()   // periodically, e.g. on each dashboard refresh
//	stats := tracker.Stats()
type RateTracker struct {
	total atomic.Int64

	samples  []sample
	writeIdx int // Next write position once the ring is full
	mu       sync.RWMutex

	startTime time.Time
	clock     Clock
}

// RateStats holds the rates at a point in time.
type RateStats struct {
	Total int64

	// Rolling averages (events per second)
	Avg1s  float64
	Avg10s float64
	Avg60s float64

	// AvgOverall is the rate since tracking started
	AvgOverall float64
}

// NewRateTracker creates a new tracker with real clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker with custom clock for testing.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples:   make([]sample, 0, ringBufferSize),
		startTime: now,
		clock:     clock,
	}
	t.samples = append(t.samples, sample{timestamp: now})
	return t
}

// Add adds n events. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// RecordSample records the current count. Calls closer together than
// minSampleGap are ignored.
func (t *RateTracker) RecordSample() {
	now := t.clock.Now()
	current := t.total.Load()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last := t.newestSample(); last != nil && now.Sub(last.timestamp) < minSampleGap {
		return
	}

	s := sample{timestamp: now, count: current}
	if len(t.samples) < ringBufferSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringBufferSize
}

// Stats computes the current rates.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	current := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := RateStats{Total: current}
	if elapsed := now.Sub(t.startTime).Seconds(); elapsed > 0 {
		stats.AvgOverall = float64(current) / elapsed
	}
	stats.Avg1s = t.avgOverWindow(now, current, window1s)
	stats.Avg10s = t.avgOverWindow(now, current, window10s)
	stats.Avg60s = t.avgOverWindow(now, current, window60s)
	return stats
}

// avgOverWindow uses the newest sample at or before now-window, or the
// oldest sample when history is shorter than the window.
// Must be called with mu held.
func (t *RateTracker) avgOverWindow(now time.Time, current int64, window time.Duration) float64 {
	target := now.Add(-window)

	var best *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.timestamp.After(target) {
			continue
		}
		if best == nil || s.timestamp.After(best.timestamp) {
			best = s
		}
	}
	if best == nil {
		best = t.oldestSample()
	}
	if best == nil {
		return 0
	}

	elapsed := now.Sub(best.timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(current-best.count) / elapsed
}

// Must be called with mu held.
func (t *RateTracker) oldestSample() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringBufferSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// Must be called with mu held.
func (t *RateTracker) newestSample() *sample {
	switch {
	case len(t.samples) == 0:
		return nil
	case len(t.samples) < ringBufferSize:
		return &t.samples[len(t.samples)-1]
	default:
		return &t.samples[(t.writeIdx+ringBufferSize-1)%ringBufferSize]
	}
}

// Reset clears all data and restarts tracking.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Store(0)
	t.samples = append(t.samples[:0], sample{timestamp: now})
	t.writeIdx = 0
	t.startTime = now
}

// SampleCount returns the number of samples in the ring buffer.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
