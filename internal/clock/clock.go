// Package clock provides the single authoritative time source for the
// authorization core. No component reads wall-clock time directly; every
// TTL, hold measurement, and expiry check goes through an injected Clock,
// which makes the whole system testable with a fake.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every component.
type Clock interface {
	Now() time.Time
}

// System is the real clock.
type System struct{}

// Now returns the current time. The returned value carries Go's monotonic
// reading, so elapsed-time subtraction is immune to wall-clock adjustment.
func (System) Now() time.Time {
	return time.Now()
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu sync.Mutex
	t  time.Time
}

// NewFake creates a fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{t: start}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set moves the fake clock to an absolute time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t
}
