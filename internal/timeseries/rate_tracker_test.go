package timeseries

import (
	"math"
	"sync"
	"testing"
	"time"
)

// mockClock provides deterministic time for testing.
type mockClock struct {
	mu   sync.Mutex
	time time.Time
}

func newMockClock(t time.Time) *mockClock {
	return &mockClock{time: t}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time = c.time.Add(d)
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRateTracker_Add(t *testing.T) {
	tests := []struct {
		name     string
		adds     []int64
		expected int64
	}{
		{"single add", []int64{1}, 1},
		{"multiple adds", []int64{1, 2, 3}, 6},
		{"zero ignored", []int64{1, 0, 2}, 3},
		{"negative ignored", []int64{5, -5, 1}, 6},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewRateTrackerWithClock(newMockClock(epoch))
			for _, n := range tt.adds {
				tracker.Add(n)
			}
			if got := tracker.Stats().Total; got != tt.expected {
				t.Errorf("Total = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestRateTracker_SteadyRate(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	for range 20 {
		tracker.Add(10)
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Stats()
	for name, got := range map[string]float64{
		"Avg1s":      stats.Avg1s,
		"Avg10s":     stats.Avg10s,
		"Avg60s":     stats.Avg60s,
		"AvgOverall": stats.AvgOverall,
	} {
		if !approxEqual(got, 10) {
			t.Errorf("%s = %v, want 10", name, got)
		}
	}
}

func TestRateTracker_BurstThenIdle(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	tracker.Add(100)
	for range 30 {
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	stats := tracker.Stats()
	if stats.Avg1s != 0 || stats.Avg10s != 0 {
		t.Errorf("Avg1s = %v Avg10s = %v, want 0 after going idle", stats.Avg1s, stats.Avg10s)
	}
	// History is shorter than 60s, so the window starts at the first sample
	if !approxEqual(stats.Avg60s, 100.0/30) {
		t.Errorf("Avg60s = %v, want %v", stats.Avg60s, 100.0/30)
	}
}

func TestRateTracker_NoTimeElapsed(t *testing.T) {
	tracker := NewRateTrackerWithClock(newMockClock(epoch))
	tracker.Add(5)

	stats := tracker.Stats()
	if stats.Avg1s != 0 || stats.AvgOverall != 0 {
		t.Errorf("rates = %+v, want 0 with no elapsed time", stats)
	}
}

func TestRateTracker_MinSampleGap(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	tracker.RecordSample()
	clock.Advance(100 * time.Millisecond)
	tracker.RecordSample()
	if got := tracker.SampleCount(); got != 1 {
		t.Errorf("SampleCount() = %d, want 1 (samples too close)", got)
	}

	clock.Advance(minSampleGap)
	tracker.RecordSample()
	if got := tracker.SampleCount(); got != 2 {
		t.Errorf("SampleCount() = %d, want 2", got)
	}
}

func TestRateTracker_RingWraps(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	for range ringBufferSize + 100 {
		tracker.Add(2)
		clock.Advance(time.Second)
		tracker.RecordSample()
	}

	if got := tracker.SampleCount(); got != ringBufferSize {
		t.Errorf("SampleCount() = %d, want %d", got, ringBufferSize)
	}
	stats := tracker.Stats()
	if !approxEqual(stats.Avg60s, 2) || !approxEqual(stats.Avg1s, 2) {
		t.Errorf("Avg1s = %v Avg60s = %v, want 2", stats.Avg1s, stats.Avg60s)
	}

	// The newest sample is found across the wrap point
	tracker.RecordSample()
	clock.Advance(10 * time.Millisecond)
	tracker.RecordSample()
	if got := tracker.SampleCount(); got != ringBufferSize {
		t.Errorf("SampleCount() = %d after wrap, want %d", got, ringBufferSize)
	}
	if !approxEqual(tracker.Stats().Avg60s, 60*2/60.01) {
		t.Errorf("Avg60s = %v after close samples", tracker.Stats().Avg60s)
	}
}

func TestRateTracker_Reset(t *testing.T) {
	clock := newMockClock(epoch)
	tracker := NewRateTrackerWithClock(clock)

	for range 5 {
		tracker.Add(3)
		clock.Advance(time.Second)
		tracker.RecordSample()
	}
	tracker.Reset()

	if got := tracker.SampleCount(); got != 1 {
		t.Errorf("SampleCount() = %d after reset, want 1", got)
	}
	stats := tracker.Stats()
	if stats.Total != 0 || stats.AvgOverall != 0 {
		t.Errorf("stats after reset = %+v, want zero", stats)
	}
}

func TestRateTracker_Concurrent(t *testing.T) {
	tracker := NewRateTracker()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				tracker.Add(1)
				tracker.RecordSample()
				_ = tracker.Stats()
			}
		}()
	}
	wg.Wait()

	if got := tracker.Stats().Total; got != 800 {
		t.Errorf("Total = %d, want 800", got)
	}
}
