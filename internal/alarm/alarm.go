// Package alarm defines controller alarms and the sinks that receive them.
package alarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
)

// ErrDropped is returned when an alarm could not be queued.
var ErrDropped = errors.New("alarm: dropped, sink queue full")

// Severity grades an alarm.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Alarm is a single alarm raised by a controller during a step.
type Alarm struct {
	RunID        string
	ControllerID string
	Code         string
	Severity     Severity
	Message      string
	Step         int
	SimTime      float64
	RaisedAt     time.Time
}

// Sink receives alarms. Implementations should return quickly; callers
// treat errors as non-fatal.
type Sink interface {
	Raise(ctx context.Context, a Alarm) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alarm) error

// Raise implements Sink.
func (f SinkFunc) Raise(ctx context.Context, a Alarm) error { return f(ctx, a) }

// Memory keeps alarms in memory. It is safe for concurrent use.
type Memory struct {
	mu     sync.Mutex
	alarms []Alarm
}

// NewMemory constructs an empty in-memory sink.
func NewMemory() *Memory { return &Memory{} }

// Raise implements Sink.
func (m *Memory) Raise(_ context.Context, a Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alarms = append(m.alarms, a)
	return nil
}

// Alarms returns a copy of everything raised so far.
func (m *Memory) Alarms() []Alarm {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alarm(nil), m.alarms...)
}

// Log writes alarms to a structured logger at warn level.
type Log struct {
	log logging.Logger
}

// NewLog constructs a logging sink.
func NewLog(log logging.Logger) *Log {
	if log == nil {
		log = logging.Noop()
	}
	return &Log{log: log}
}

// Raise implements Sink.
func (l *Log) Raise(ctx context.Context, a Alarm) error {
	l.log.Warn(ctx, "controller alarm",
		logging.String("controller_id", a.ControllerID),
		logging.String("code", a.Code),
		logging.String("severity", string(a.Severity)),
		logging.String("message", a.Message),
		logging.Int("step", a.Step),
	)
	return nil
}

// Fanout delivers every alarm to each sink, returning the first error
// after all sinks were tried.
type Fanout []Sink

// Raise implements Sink.
func (f Fanout) Raise(ctx context.Context, a Alarm) error {
	var first error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Raise(ctx, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}
