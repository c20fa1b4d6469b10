// Package timectrl paces the simulation loop against the wall clock and
// tracks simulated time.
package timectrl

import (
	"sync"
	"time"
)

// WallClock abstracts the real clock so pacing can be tested.
type WallClock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of *time.Timer the pacer needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime sleeps so that each step takes at least one Tick of wall
	// time.
	RealTime Mode = iota
	// Accelerated runs steps back-to-back.
	Accelerated
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	}
	return "unknown"
}

// ParseMode parses "realtime" or "accelerated"; empty selects RealTime.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "realtime", "real_time":
		return RealTime, true
	case "accelerated", "fast":
		return Accelerated, true
	}
	return RealTime, false
}

// TimeController advances simulation time by Tick per step and paces the
// caller to the wall clock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	steps       int

	wall      WallClock
	listeners []func(time.Time)
}

// Option customises a TimeController.
type Option func(*TimeController)

// WithWallClock replaces the system clock.
func WithWallClock(c WallClock) Option {
	return func(tc *TimeController) {
		if c != nil {
			tc.wall = c
		}
	}
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode, opts ...Option) *TimeController {
	tc := &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
		wall:        systemClock{},
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// Elapsed returns the simulated time since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// Steps returns how many times Advance was called.
func (tc *TimeController) Steps() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.steps
}

// AddListener registers a callback invoked after every Advance. Listeners
// must be added before the loop starts advancing.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.listeners = append(tc.listeners, fn)
}

// Advance moves simulation time forward by one Tick and notifies
// listeners.
func (tc *TimeController) Advance() time.Time {
	tc.mu.Lock()
	tc.currentTime = tc.currentTime.Add(tc.Tick)
	tc.steps++
	now := tc.currentTime
	tc.mu.Unlock()

	for _, fn := range tc.listeners {
		fn(now)
	}
	return now
}

// WallNow returns the wall-clock time used for pacing.
func (tc *TimeController) WallNow() time.Time { return tc.wall.Now() }

// Pace blocks until one Tick of wall time has passed since stepStart, or
// until stop is closed. It reports whether the step overran its Tick and
// whether the wait was cut short by stop. Accelerated mode never sleeps.
func (tc *TimeController) Pace(stepStart time.Time, stop <-chan struct{}) (overrun, stopped bool) {
	elapsed := tc.wall.Now().Sub(stepStart)
	overrun = elapsed > tc.Tick
	if tc.Mode == Accelerated || overrun {
		return overrun, false
	}
	wait := tc.Tick - elapsed
	if wait <= 0 {
		return false, false
	}

	timer := tc.wall.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C():
		return false, false
	case <-stop:
		return false, true
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

type systemTimer struct{ t *time.Timer }

func (s systemTimer) C() <-chan time.Time { return s.t.C }
func (s systemTimer) Stop() bool          { return s.t.Stop() }
