package core

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

func TestValvePrecedence(t *testing.T) {
	outputs := map[string]control.Outputs{
		"pc": {control.KeyControlValvePosition: 70.0},
		"ld": {control.KeyLeakIsolationValve: true},
		"vc": {"v1": 33.0, control.KeyValvesControlled: 1.0},
		"fr": {control.KeyFlowControlValve: 20.0, control.KeyLeakIsolationValve: false},
	}

	cases := []struct {
		name   string
		valve  model.Valve
		want   float64
		source CommandSource
		key    string
	}{
		{"manual wins", model.Valve{ID: "v1", Position: 50, SetPosition: 62, ControllerID: "pc"}, 62, SourceManual, ""},
		{"pid output", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride, ControllerID: "pc"}, 70, SourceController, control.KeyControlValvePosition},
		{"leak isolation closes", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride, ControllerID: "ld"}, 0, SourceController, control.KeyLeakIsolationValve},
		{"valve id key first", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride, ControllerID: "vc"}, 33, SourceController, "v1"},
		{"false isolation falls through", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride, ControllerID: "fr"}, 20, SourceController, control.KeyFlowControlValve},
		{"unbound drifts", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride}, 50, SourceDefault, ""},
		{"unknown controller drifts", model.Valve{ID: "v1", Position: 50, SetPosition: model.NoOverride, ControllerID: "zz"}, 50, SourceDefault, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, src, key := ResolveValveTarget(tc.valve, outputs, nil)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.source, src)
			assert.Equal(t, tc.key, key)
		})
	}
}

func TestValveDriftAccumulates(t *testing.T) {
	snap := &kb.Snapshot{Valves: []model.Valve{{ID: "v1", Position: 50, SetPosition: model.NoOverride}}}
	arb := NewValveArbiter(rand.New(rand.NewPCG(7, 7)))

	exact := 50.0
	applied := 0
	for range 1000 {
		before := snap.Valves[0].Position
		d := arb.Step(snap, nil)
		require.Len(t, d, 1)
		assert.Equal(t, SourceDefault, d[0].Source)
		assert.LessOrEqual(t, math.Abs(d[0].Target-exact), ValveDrift+1e-12, "drift is taken from the exact position")
		exact = d[0].Target

		if d[0].Applied {
			applied++
			assert.Greater(t, math.Abs(exact-before), ValveHysteresis)
			assert.Equal(t, exact, snap.Valves[0].Position)
		} else {
			assert.Equal(t, before, snap.Valves[0].Position)
		}
		got, ok := arb.Position("v1")
		require.True(t, ok)
		assert.Equal(t, exact, got)
	}
	assert.Positive(t, applied, "accumulated drift eventually crosses the hysteresis")
	assert.Less(t, applied, 1000)
}

func TestValveSingleDriftStepNeverWritten(t *testing.T) {
	snap := &kb.Snapshot{Valves: []model.Valve{{ID: "v1", Position: 50, SetPosition: model.NoOverride}}}
	d := NewValveArbiter(rand.New(rand.NewPCG(7, 7))).Step(snap, nil)
	assert.False(t, d[0].Applied)
	assert.Equal(t, 50.0, snap.Valves[0].Position)
}

func TestValveHysteresis(t *testing.T) {
	snap := &kb.Snapshot{Valves: []model.Valve{{ID: "v1", Position: 50, SetPosition: 50.05}}}
	arb := NewValveArbiter(nil)
	d := arb.Step(snap, nil)
	assert.False(t, d[0].Applied)
	assert.Equal(t, 50.0, snap.Valves[0].Position)

	snap.Valves[0].SetPosition = 62
	d = arb.Step(snap, nil)
	assert.True(t, d[0].Applied)
	assert.Equal(t, 62.0, snap.Valves[0].Position)
}

func TestValveReleaseReturnsToController(t *testing.T) {
	outputs := map[string]control.Outputs{"pc": {control.KeyControlValvePosition: 30.0}}
	snap := &kb.Snapshot{Valves: []model.Valve{{ID: "v1", Position: 50, SetPosition: 62, ControllerID: "pc"}}}
	arb := NewValveArbiter(nil)

	d := arb.Step(snap, outputs)
	assert.Equal(t, SourceManual, d[0].Source)
	assert.Equal(t, 62.0, snap.Valves[0].Position)

	snap.Valves[0].SetPosition = model.NoOverride
	d = arb.Step(snap, outputs)
	assert.Equal(t, SourceController, d[0].Source)
	assert.Equal(t, control.KeyControlValvePosition, d[0].Key)
	assert.Equal(t, 30.0, snap.Valves[0].Position)
}

func TestValveTargetAlwaysInRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("valve target stays within [0,100]", prop.ForAll(
		func(position, output float64, manual bool, setPosition float64) bool {
			v := model.Valve{ID: "v", Position: position, SetPosition: model.NoOverride, ControllerID: "c"}
			if manual {
				v.SetPosition = setPosition
			}
			outputs := map[string]control.Outputs{"c": {control.KeyControlValvePosition: output}}
			got, src, _ := ResolveValveTarget(v, outputs, rand.New(rand.NewPCG(1, 1)))
			if manual && (src != SourceManual || got != setPosition) {
				return false
			}
			return got >= 0 && got <= 100
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(-500, 500),
		gen.Bool(),
		gen.Float64Range(0, 100),
	))

	properties.TestingRun(t)
}

func TestCompressorTargetPrecedence(t *testing.T) {
	outputs := map[string]control.Outputs{
		"cm": {control.KeyCompressorCommand: "ON", control.KeyCompressorTargetSpeed: 1500.0},
	}
	c := model.Compressor{ID: "c1", MaxSpeed: 3000, SetCommand: model.CommandAuto, SetSpeed: model.NoOverride, ControllerID: "cm"}

	got := ResolveCompressorTarget(c, outputs, 1500)
	assert.Equal(t, CompressorTarget{Command: model.CommandOn, Speed: 1500, Source: SourceController}, got)

	c.SetCommand = model.CommandOff
	got = ResolveCompressorTarget(c, outputs, 1500)
	assert.Equal(t, CompressorTarget{Command: model.CommandOff, Speed: 0, Source: SourceManual}, got)

	c.SetCommand = model.CommandOn
	c.SetSpeed = 2500
	got = ResolveCompressorTarget(c, outputs, 1500)
	assert.Equal(t, 2500.0, got.Speed)

	c.SetSpeed = model.NoOverride
	c.ControllerID = ""
	got = ResolveCompressorTarget(c, outputs, 1500)
	assert.Equal(t, 1500.0, got.Speed, "manual ON without speed uses nominal")

	c.SetCommand = model.CommandAuto
	got = ResolveCompressorTarget(c, outputs, 1500)
	assert.Equal(t, CompressorTarget{Command: model.CommandOff, Source: SourceDefault}, got)
}

func TestCompressorStartAndStop(t *testing.T) {
	on := CompressorTarget{Command: model.CommandOn, Speed: 1500}
	off := CompressorTarget{Command: model.CommandOff}
	st := MachineState{Status: model.CompressorOff}

	st = StepCompressor(st, on, 3000, 0.1)
	assert.Equal(t, model.CompressorStarting, st.Status)
	assert.Equal(t, 100.0, st.Speed)

	steps := 1
	for st.Status == model.CompressorStarting {
		st = StepCompressor(st, on, 3000, 0.1)
		steps++
		require.Less(t, steps, 100)
	}
	assert.Equal(t, model.CompressorRunning, st.Status)
	assert.Equal(t, 14, steps)
	assert.GreaterOrEqual(t, st.Speed, 0.9*1500)

	st = StepCompressor(st, on, 3000, 0.1)
	assert.Equal(t, 1500.0, st.Speed, "snaps to target within one ramp")

	st = StepCompressor(st, off, 3000, 0.1)
	assert.Equal(t, model.CompressorStopping, st.Status)
	for st.Status == model.CompressorStopping {
		st = StepCompressor(st, off, 3000, 0.1)
	}
	assert.Equal(t, model.CompressorOff, st.Status)
	assert.LessOrEqual(t, st.Speed, 300.0)
}

func TestCompressorAbortedSpinUp(t *testing.T) {
	st := MachineState{Status: model.CompressorStarting, Speed: 1000}
	st = StepCompressor(st, CompressorTarget{Command: model.CommandOff}, 3000, 0.1)
	assert.Equal(t, model.CompressorStopping, st.Status)
	assert.Equal(t, 900.0, st.Speed)
}

func TestCompressorTakesOneEdgePerStep(t *testing.T) {
	// One step with a ramp larger than the target covers the whole spin-up,
	// yet the machine must still pass through STARTING.
	st := StepCompressor(MachineState{Status: model.CompressorOff}, CompressorTarget{Command: model.CommandOn, Speed: 800}, 3000, 1)
	assert.Equal(t, model.CompressorStarting, st.Status)
	assert.Equal(t, 800.0, st.Speed)

	st = StepCompressor(st, CompressorTarget{Command: model.CommandOn, Speed: 800}, 3000, 1)
	assert.Equal(t, model.CompressorRunning, st.Status)

	st = StepCompressor(MachineState{Status: model.CompressorRunning, Speed: 800}, CompressorTarget{Command: model.CommandOff}, 3000, 1)
	assert.Equal(t, model.CompressorStopping, st.Status)
	assert.Equal(t, 0.0, st.Speed)

	st = StepCompressor(st, CompressorTarget{Command: model.CommandOff}, 3000, 1)
	assert.Equal(t, model.CompressorOff, st.Status)
}

var allowedEdges = map[model.CompressorStatus][]model.CompressorStatus{
	model.CompressorOff:      {model.CompressorOff, model.CompressorStarting},
	model.CompressorStarting: {model.CompressorStarting, model.CompressorRunning, model.CompressorStopping},
	model.CompressorRunning:  {model.CompressorRunning, model.CompressorStopping},
	model.CompressorStopping: {model.CompressorStopping, model.CompressorOff},
}

func allowed(from, to model.CompressorStatus) bool {
	for _, s := range allowedEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestCompressorMachineInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("speed stays within [0,max_speed] and only allowed edges fire", prop.ForAll(
		func(commands []bool, speeds []float64, maxSpeed, dt float64) bool {
			st := MachineState{Status: model.CompressorOff}
			for i, on := range commands {
				target := CompressorTarget{Command: model.CommandOff}
				if on {
					target = CompressorTarget{Command: model.CommandOn, Speed: min(speeds[i%len(speeds)], maxSpeed)}
				}
				next := StepCompressor(st, target, maxSpeed, dt)
				if next.Speed < 0 || next.Speed > maxSpeed {
					return false
				}
				if !allowed(st.Status, next.Status) {
					return false
				}
				st = next
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.SliceOfN(4, gen.Float64Range(0, 6000)),
		gen.Float64Range(100, 5000),
		gen.Float64Range(0.01, 2),
	))

	properties.TestingRun(t)
}

func TestCompressorArbiterKeepsExactState(t *testing.T) {
	snap := &kb.Snapshot{Compressors: []model.Compressor{{
		ID: "c1", MaxSpeed: 3000, Status: model.CompressorOff,
		SetCommand: model.CommandOn, SetSpeed: 1500,
	}}}
	arb := NewCompressorArbiter(0)

	applied := 0
	for range 20 {
		for _, d := range arb.Step(snap, nil, 0.1) {
			if d.Applied {
				applied++
			}
		}
	}

	st, ok := arb.State("c1")
	require.True(t, ok)
	assert.Equal(t, model.CompressorRunning, st.Status)
	assert.Equal(t, 1500.0, st.Speed)
	assert.Equal(t, model.CompressorRunning, snap.Compressors[0].Status)
	assert.GreaterOrEqual(t, snap.Compressors[0].Speed, 1400.0)
	assert.Less(t, applied, 20, "sub-hysteresis changes are not written back")
}
