// Package command schedules operator setpoint writes at simulated times.
package command

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/gasnet-twin/model"
)

// ErrInvalidCommand is returned for malformed commands.
var ErrInvalidCommand = errors.New("invalid setpoint command")

// Target names the setpoint a command writes.
type Target string

const (
	NodePressure      Target = "node_pressure"
	NodeFlow          Target = "node_flow"
	ValvePosition     Target = "valve_position"
	CompressorCommand Target = "compressor_command"
	CompressorSpeed   Target = "compressor_speed"
)

// Setpoints is the thread-safe setpoint surface of a topology.
type Setpoints interface {
	SetNodePressure(nodeID string, bar float64) error
	SetNodeFlow(nodeID string, flow float64) error
	SetValvePosition(valveID string, pct float64) error
	SetCompressorCommand(compressorID string, cmd model.CompressorCommand) error
	SetCompressorSpeed(compressorID string, rpm float64) error
}

// Command is one scheduled setpoint write.
type Command struct {
	At       time.Duration `yaml:"at" validate:"gte=0"`
	Target   Target        `yaml:"target" validate:"required,oneof=node_pressure node_flow valve_position compressor_command compressor_speed"`
	ObjectID string        `yaml:"object" validate:"required"`
	Value    float64       `yaml:"value"`
	Command  string        `yaml:"command"`
}

func (c Command) String() string {
	if c.Target == CompressorCommand {
		return fmt.Sprintf("%s %s=%s @%s", c.Target, c.ObjectID, c.Command, c.At)
	}
	return fmt.Sprintf("%s %s=%g @%s", c.Target, c.ObjectID, c.Value, c.At)
}

// Validate checks the fields that do not depend on a topology.
func (c Command) Validate() error {
	if c.At < 0 {
		return fmt.Errorf("%w: negative time %s", ErrInvalidCommand, c.At)
	}
	if c.ObjectID == "" {
		return fmt.Errorf("%w: missing object", ErrInvalidCommand)
	}
	switch c.Target {
	case NodePressure, NodeFlow, ValvePosition, CompressorSpeed:
	case CompressorCommand:
		if !model.CompressorCommand(c.Command).Valid() {
			return fmt.Errorf("%w: unknown compressor command %q", ErrInvalidCommand, c.Command)
		}
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidCommand, c.Target)
	}
	return nil
}

// Apply writes the command through s.
func (c Command) Apply(s Setpoints) error {
	switch c.Target {
	case NodePressure:
		return s.SetNodePressure(c.ObjectID, c.Value)
	case NodeFlow:
		return s.SetNodeFlow(c.ObjectID, c.Value)
	case ValvePosition:
		return s.SetValvePosition(c.ObjectID, c.Value)
	case CompressorCommand:
		return s.SetCompressorCommand(c.ObjectID, model.CompressorCommand(c.Command))
	case CompressorSpeed:
		return s.SetCompressorSpeed(c.ObjectID, c.Value)
	}
	return fmt.Errorf("%w: unknown target %q", ErrInvalidCommand, c.Target)
}

// Schedule releases commands in time order. It is not safe for
// concurrent use.
type Schedule struct {
	cmds []Command
	next int
}

// NewSchedule orders cmds by time, keeping file order for ties.
func NewSchedule(cmds []Command) *Schedule {
	sorted := append([]Command(nil), cmds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Schedule{cmds: sorted}
}

// Due returns the commands scheduled at or before simTime that have not
// been returned yet.
func (s *Schedule) Due(simTime time.Duration) []Command {
	start := s.next
	for s.next < len(s.cmds) && s.cmds[s.next].At <= simTime {
		s.next++
	}
	return s.cmds[start:s.next]
}

// Pending reports how many commands remain.
func (s *Schedule) Pending() int { return len(s.cmds) - s.next }
