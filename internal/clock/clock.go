// Package clock supplies the time source used to stamp runs, job results and
// artifact summaries. Tests swap in a Manual clock so recorded timestamps and
// durations are exact.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time {
	return time.Now()
}

// Manual is a clock that only moves when told to. It is safe for concurrent
// use, so jobs tracked on several goroutines can stamp results with it.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Elapsed returns how long ago start was according to c.
func Elapsed(c Clock, start time.Time) time.Duration {
	return c.Now().Sub(start)
}

var (
	_ Clock = RealClock{}
	_ Clock = (*Manual)(nil)
)
