package progress

import (
	"testing"
	"time"
)

func TestMeterSnapshot(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return current })
	m.Start(4, 1000)

	current = current.Add(time.Second)
	m.AddBytes(500)
	m.TaskDone()

	stats := m.Snapshot()
	if stats.BytesDone != 500 || stats.BytesTotal != 1000 {
		t.Fatalf("unexpected byte counts: %+v", stats)
	}
	if stats.TasksDone != 1 || stats.TasksTotal != 4 {
		t.Fatalf("unexpected task counts: %+v", stats)
	}
	if stats.Percent != 50 {
		t.Fatalf("unexpected percent %v", stats.Percent)
	}
	if stats.RateBps != 500 {
		t.Fatalf("unexpected rate %v", stats.RateBps)
	}
	if stats.ETA != time.Second {
		t.Fatalf("unexpected ETA %v", stats.ETA)
	}
}

func TestMeterRateSmoothing(t *testing.T) {
	current := time.Unix(1000, 0)
	m := NewMeterWithNow(func() time.Time { return current })
	m.Start(1, 0)

	current = current.Add(time.Second)
	m.AddBytes(100) // first sample sets the rate directly
	current = current.Add(time.Second)
	m.AddBytes(200)

	rate := m.Snapshot().RateBps
	// EMA with alpha 0.2: 0.2*200 + 0.8*100 = 120
	if rate != 120 {
		t.Fatalf("unexpected smoothed rate %v", rate)
	}
}

func TestMeterAddTotalBytes(t *testing.T) {
	m := NewMeter()
	m.Start(2, 0)
	m.AddTotalBytes(2048)
	m.AddTotalBytes(-5)
	if got := m.Snapshot().BytesTotal; got != 2048 {
		t.Fatalf("unexpected total %d", got)
	}
}

func TestMeterIgnoresNonPositive(t *testing.T) {
	m := NewMeter()
	m.Start(1, 100)
	m.AddBytes(0)
	m.AddBytes(-10)
	if got := m.Snapshot().BytesDone; got != 0 {
		t.Fatalf("non-positive add counted: %d", got)
	}
}
