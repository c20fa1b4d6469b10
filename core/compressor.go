package core

import (
	"math"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

const (
	// RampRate is the compressor speed change per simulated second.
	RampRate = 1000.0
	// SpeedHysteresis is the smallest speed change written back.
	SpeedHysteresis = 100.0
	// DefaultNominalSpeed is used for a manual ON without a speed.
	DefaultNominalSpeed = 1500.0

	runningFraction = 0.9
	stoppedFraction = 0.1
)

// CompressorTarget is the desired command and speed for one compressor.
type CompressorTarget struct {
	Command model.CompressorCommand
	Speed   float64
	Source  CommandSource
}

// On reports whether the target asks the compressor to run.
func (t CompressorTarget) On() bool { return t.Command == model.CommandOn }

// ResolveCompressorTarget applies the precedence manual command, then the
// bound controller's output, then OFF.
func ResolveCompressorTarget(c model.Compressor, outputs map[string]control.Outputs, nominal float64) CompressorTarget {
	var ctrlCmd model.CompressorCommand
	var ctrlSpeed float64
	var haveCtrl bool
	if out, ok := outputs[c.ControllerID]; ok && c.ControllerID != "" {
		ctrlCmd, ctrlSpeed, haveCtrl = control.BoundCompressorTarget(out)
	}

	var t CompressorTarget
	switch c.SetCommand {
	case model.CommandOn:
		t = CompressorTarget{Command: model.CommandOn, Source: SourceManual}
		switch {
		case c.SetSpeed >= 0:
			t.Speed = c.SetSpeed
		case haveCtrl && ctrlSpeed > 0:
			t.Speed = ctrlSpeed
		default:
			t.Speed = nominal
		}
	case model.CommandOff:
		t = CompressorTarget{Command: model.CommandOff, Source: SourceManual}
	default:
		if haveCtrl {
			t = CompressorTarget{Command: ctrlCmd, Speed: ctrlSpeed, Source: SourceController}
		} else {
			t = CompressorTarget{Command: model.CommandOff, Source: SourceDefault}
		}
	}
	if !t.On() {
		t.Speed = 0
	}
	t.Speed = clamp(t.Speed, 0, c.MaxSpeed)
	return t
}

// MachineState is the exact status and speed of a compressor.
type MachineState struct {
	Status model.CompressorStatus
	Speed  float64
}

// StepCompressor advances the state machine by dt seconds.
//
//	OFF      -> STARTING  target ON
//	STARTING -> RUNNING   speed >= 90% of a positive target
//	STARTING -> STOPPING  target OFF
//	RUNNING  -> STOPPING  target OFF
//	STOPPING -> OFF       speed <= 10% of max_speed
//
// At most one edge fires per step. The speed edges are only checked when
// the machine was already STARTING or STOPPING when the step began.
func StepCompressor(st MachineState, target CompressorTarget, maxSpeed, dt float64) MachineState {
	start := st.Status
	switch start {
	case model.CompressorOff:
		if target.On() {
			st.Status = model.CompressorStarting
		}
	case model.CompressorStarting, model.CompressorRunning:
		if !target.On() {
			st.Status = model.CompressorStopping
		}
	case model.CompressorStopping:
	default:
		st.Status = model.CompressorOff
	}
	transitioned := st.Status != start

	goal := 0.0
	if st.Status == model.CompressorStarting || st.Status == model.CompressorRunning {
		goal = target.Speed
	}
	ramp := RampRate * dt
	switch delta := goal - st.Speed; {
	case math.Abs(delta) <= ramp:
		st.Speed = goal
	case delta > 0:
		st.Speed += ramp
	default:
		st.Speed -= ramp
	}
	st.Speed = clamp(st.Speed, 0, maxSpeed)
	if transitioned {
		return st
	}

	switch start {
	case model.CompressorStarting:
		if target.Speed > 0 && st.Speed >= runningFraction*target.Speed {
			st.Status = model.CompressorRunning
		}
	case model.CompressorStopping:
		if st.Speed <= stoppedFraction*maxSpeed {
			st.Status = model.CompressorOff
		}
	}
	return st
}

// CompressorDecision is the arbitration result for one compressor.
type CompressorDecision struct {
	CompressorID string
	Target       CompressorTarget
	Previous     MachineState
	State        MachineState
	// Applied is set when the change passed the write-back hysteresis.
	Applied bool
}

// CompressorArbiter keeps the exact machine state of every compressor
// across steps. Only changes past the hysteresis reach the topology.
type CompressorArbiter struct {
	nominal float64
	states  map[string]MachineState
}

// NewCompressorArbiter constructs an arbiter. nominal <= 0 selects
// DefaultNominalSpeed.
func NewCompressorArbiter(nominal float64) *CompressorArbiter {
	if nominal <= 0 {
		nominal = DefaultNominalSpeed
	}
	return &CompressorArbiter{nominal: nominal, states: make(map[string]MachineState)}
}

// State returns the exact machine state of a compressor.
func (a *CompressorArbiter) State(id string) (MachineState, bool) {
	st, ok := a.states[id]
	return st, ok
}

// Step advances every compressor in snap by dt seconds.
func (a *CompressorArbiter) Step(snap *kb.Snapshot, outputs map[string]control.Outputs, dt float64) []CompressorDecision {
	decisions := make([]CompressorDecision, 0, len(snap.Compressors))
	for i := range snap.Compressors {
		c := &snap.Compressors[i]
		prev, ok := a.states[c.ID]
		if !ok {
			prev = MachineState{Status: c.Status, Speed: c.Speed}
		}
		target := ResolveCompressorTarget(*c, outputs, min(a.nominal, c.MaxSpeed))
		next := StepCompressor(prev, target, c.MaxSpeed, dt)
		a.states[c.ID] = next

		d := CompressorDecision{CompressorID: c.ID, Target: target, Previous: prev, State: next}
		if next.Status != c.Status || math.Abs(next.Speed-c.Speed) > SpeedHysteresis {
			c.Status = next.Status
			c.Speed = next.Speed
			d.Applied = true
		}
		decisions = append(decisions, d)
	}
	return decisions
}
