package runner

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a simulation run.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusStopped   Status = "STOPPED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

var (
	// ErrValidation is returned when a run request is rejected up front.
	ErrValidation = errors.New("invalid run request")
	// ErrConcurrencyConflict is returned when a run is already active.
	ErrConcurrencyConflict = errors.New("a simulation run is already active")
	// ErrNoActiveRun is returned by Stop when nothing is running.
	ErrNoActiveRun = errors.New("no active simulation run")
	// ErrStopTimeout is returned when the loop did not exit in time.
	ErrStopTimeout = errors.New("simulation run did not stop in time")
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("simulation run not found")
)

// StepError is a runtime failure inside one step. It ends the run as
// FAILED.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run is a point-in-time view of a simulation run.
type Run struct {
	ID       string
	Network  string
	Duration time.Duration
	TimeStep time.Duration
	Seed     uint64
	Status   Status

	// MaxSteps is ceil(Duration / TimeStep).
	MaxSteps int
	// TotalSteps counts fully executed steps.
	TotalSteps int
	Overruns   int
	LastError  string

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// SimTime is the simulated time reached by the run.
func (r Run) SimTime() time.Duration {
	return time.Duration(r.TotalSteps) * r.TimeStep
}

// maxSteps rounds up so that the run covers at least duration.
func maxSteps(duration, step time.Duration) int {
	n := duration / step
	if duration%step != 0 {
		n++
	}
	return int(n)
}
