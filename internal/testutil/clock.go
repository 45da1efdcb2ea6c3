package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the first timestamp returned by a StepClock created with a zero start.
var DefaultEpoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// StepClock is a deterministic clock for tests.
//
// Every call to Now advances the clock by a fixed step, so a scope that reads
// the clock once at start and once at end records a known duration.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
	calls int
}

// NewStepClock creates a clock whose first Now returns start.
//
// A zero start uses DefaultEpoch.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &StepClock{start: start, now: start, step: step}
}

// Now returns the current time and advances the clock by one step.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	c.calls++
	return t
}

// Calls returns how many times Now was called.
func (c *StepClock) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock to its start.
//
// Used for test reuse. After Reset(), the next call to Now() returns the start time.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
	c.calls = 0
}
