package clock

import (
	"testing"
	"time"
)

func TestMonotonic_NeverGoesBackwards(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	readings := []time.Time{base.Add(5 * time.Second), base.Add(2 * time.Second), base.Add(7 * time.Second)}
	i := 0
	c := NewMonotonic(time.Time{})
	c.wall = func() time.Time {
		r := readings[i]
		i++
		return r
	}

	first := c.Now()
	second := c.Now()
	third := c.Now()
	if !second.Equal(first) {
		t.Fatalf("expected stepped-back wall clock to hold at %s, got %s", first, second)
	}
	if !third.Equal(base.Add(7 * time.Second)) {
		t.Fatalf("expected clock to resume at wall time, got %s", third)
	}
}

func TestMonotonic_RespectsFloor(t *testing.T) {
	floor := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMonotonic(floor)
	c.wall = func() time.Time { return floor.Add(-time.Hour) }
	if got := c.Now(); !got.Equal(floor) {
		t.Fatalf("expected floor %s, got %s", floor, got)
	}
}

func TestMonotonic_MillisecondResolution(t *testing.T) {
	c := NewMonotonic(time.Time{})
	c.wall = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 123456789, time.FixedZone("X", 3600)) }
	got := c.Now()
	if got.Nanosecond() != 123000000 {
		t.Fatalf("expected truncation to ms, got %d ns", got.Nanosecond())
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %s", got.Location())
	}
}

func TestManual_SetAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected time after advance: %s", got)
	}
	c.Set(start)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected Set backwards to be ignored, got %s", got)
	}
	c.Advance(-time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("expected negative advance to be ignored, got %s", got)
	}
}
