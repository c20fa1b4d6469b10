package core

import (
	"math"
	"math/rand/v2"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

// CommandSource records which authority decided an actuator target.
type CommandSource string

const (
	SourceManual     CommandSource = "manual"
	SourceController CommandSource = "controller"
	SourceDefault    CommandSource = "default"
)

const (
	// ValveHysteresis is the smallest position change written back.
	ValveHysteresis = 0.1
	// ValveDrift bounds the uniform drift of an uncommanded valve.
	ValveDrift = 0.1
)

// ValveDecision is the arbitration result for one valve in one step.
type ValveDecision struct {
	ValveID string
	Target  float64
	Source  CommandSource
	// Key is the controller output that set the target, if any.
	Key     string
	Applied bool
}

// ResolveValveTarget picks the target position for v. A manual override
// wins; then the first recognised output of the bound controller; then a
// small random drift around the current position. The result is clamped
// to [0,100].
func ResolveValveTarget(v model.Valve, outputs map[string]control.Outputs, rng *rand.Rand) (float64, CommandSource, string) {
	if v.HasOverride() {
		return clamp(v.SetPosition, 0, 100), SourceManual, ""
	}
	if out, ok := outputs[v.ControllerID]; ok && v.ControllerID != "" {
		if target, key, ok := valveOutput(v.ID, out); ok {
			return clamp(target, 0, 100), SourceController, key
		}
	}
	drift := 0.0
	if rng != nil {
		drift = (rng.Float64()*2 - 1) * ValveDrift
	}
	return clamp(v.Position+drift, 0, 100), SourceDefault, ""
}

func valveOutput(valveID string, out control.Outputs) (float64, string, bool) {
	if pos, ok := out.Float(valveID); ok {
		return pos, valveID, true
	}
	for _, key := range []string{control.KeyLeakIsolationValve, control.KeyMasterIsolation} {
		if closed, ok := out.Bool(key); ok && closed {
			return 0, key, true
		}
	}
	for _, key := range []string{control.KeyControlValvePosition, control.KeyFlowControlValve} {
		if pos, ok := out.Float(key); ok {
			return pos, key, true
		}
	}
	return 0, "", false
}

// ValveArbiter keeps the exact position of every valve across steps so
// that sub-hysteresis drift accumulates. Only changes past
// ValveHysteresis reach the topology.
type ValveArbiter struct {
	rng   *rand.Rand
	exact map[string]float64
}

// NewValveArbiter constructs an arbiter. A nil rng disables drift.
func NewValveArbiter(rng *rand.Rand) *ValveArbiter {
	return &ValveArbiter{rng: rng, exact: make(map[string]float64)}
}

// Position returns the exact position of a valve.
func (a *ValveArbiter) Position(id string) (float64, bool) {
	p, ok := a.exact[id]
	return p, ok
}

// Step resolves every valve in snap and writes the new position into the
// snapshot when it differs from the topology by more than ValveHysteresis.
func (a *ValveArbiter) Step(snap *kb.Snapshot, outputs map[string]control.Outputs) []ValveDecision {
	decisions := make([]ValveDecision, 0, len(snap.Valves))
	for i := range snap.Valves {
		v := &snap.Valves[i]
		cur := *v
		if p, ok := a.exact[v.ID]; ok {
			cur.Position = p
		}
		target, src, key := ResolveValveTarget(cur, outputs, a.rng)
		a.exact[v.ID] = target

		d := ValveDecision{ValveID: v.ID, Target: target, Source: src, Key: key}
		if math.Abs(target-v.Position) > ValveHysteresis {
			v.Position = target
			d.Applied = true
		}
		decisions = append(decisions, d)
	}
	return decisions
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
