// Package clock supplies wall-clock time to the store, queue and engine.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time. Tests substitute testutil.FakeClock.
type Clock interface {
	Now() time.Time
}

// Func adapts a function to Clock.
type Func func() time.Time

// Now calls f.
func (f Func) Now() time.Time { return f() }

// Monotonic wraps a Clock so every Now is strictly after the previous one.
//
// Queue rows are ordered by created_at; two mutations stamped in the same
// nanosecond, or across a backwards wall-clock step, would otherwise tie or
// invert. Safe for concurrent use.
type Monotonic struct {
	mu   sync.Mutex
	src  Clock
	last time.Time
}

// NewMonotonic wraps src.
func NewMonotonic(src Clock) *Monotonic {
	return &Monotonic{src: src}
}

// New returns a monotonic clock over the system time in UTC.
func New() *Monotonic {
	return NewMonotonic(Func(func() time.Time { return time.Now().UTC() }))
}

// Now returns the source time, bumped by a nanosecond past the last value
// handed out if the source has not moved forward.
func (m *Monotonic) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.src.Now()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}
