// Package clock supplies ledger time. Ledger time has millisecond
// resolution and never moves backwards within a process.
package clock

import (
	"sync"
	"time"
)

// Resolution is the granularity of every timestamp the ledger stores.
const Resolution = time.Millisecond

type Clock interface {
	Now() time.Time
}

// Monotonic wraps wall time so that Now never returns an earlier value
// than a previous call, even if the system clock is stepped back.
type Monotonic struct {
	mu   sync.Mutex
	last time.Time
	wall func() time.Time
}

// NewMonotonic starts the clock at floor, typically the latest timestamp
// already persisted.
func NewMonotonic(floor time.Time) *Monotonic {
	return &Monotonic{last: Truncate(floor), wall: time.Now}
}

func (c *Monotonic) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := Truncate(c.wall())
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu sync.Mutex
	t  time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{t: Truncate(t)}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t = Truncate(t); t.After(c.t) {
		c.t = t
	}
}

func (c *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = Truncate(c.t.Add(d))
}

// Truncate normalises t to ledger resolution in UTC and drops the
// monotonic reading so values compare with ==.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(Resolution)
}
