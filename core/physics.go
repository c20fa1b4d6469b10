package core

import (
	"math/rand/v2"

	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

// PhysicsModel advances the hydraulic state of a snapshot by one step.
// Implementations write only derived fields: node pressure and flow and
// pipe flow. Setpoints, valves and compressors are read-only here.
type PhysicsModel interface {
	Update(snap *kb.Snapshot, dt float64) error
}

// PhysicsParams tune the proxy model.
type PhysicsParams struct {
	SourcePressureNoise   float64 `yaml:"source_pressure_noise" validate:"gte=0"`
	DefaultSourceFlow     float64 `yaml:"default_source_flow" validate:"gte=0"`
	SinkPressureFactor    float64 `yaml:"sink_pressure_factor" validate:"gte=0"`
	SinkPressureNoise     float64 `yaml:"sink_pressure_noise" validate:"gte=0"`
	JunctionPressure      float64 `yaml:"junction_pressure" validate:"gte=0"`
	JunctionPressureNoise float64 `yaml:"junction_pressure_noise" validate:"gte=0"`
	PipeConductance       float64 `yaml:"pipe_conductance" validate:"gte=0"`
	PipeFlowNoise         float64 `yaml:"pipe_flow_noise" validate:"gte=0"`
}

// DefaultPhysicsParams returns the stock proxy tuning.
func DefaultPhysicsParams() PhysicsParams {
	return PhysicsParams{
		SourcePressureNoise:   1.0,
		DefaultSourceFlow:     100,
		SinkPressureFactor:    1.5,
		SinkPressureNoise:     1.0,
		JunctionPressure:      50,
		JunctionPressureNoise: 2.0,
		PipeConductance:       2.0,
		PipeFlowNoise:         0.5,
	}
}

// ProxyPhysics is a noisy algebraic stand-in for a network solver. It is
// not mass conserving.
type ProxyPhysics struct {
	params PhysicsParams
	rng    *rand.Rand
}

// NewProxyPhysics constructs the proxy model. A nil rng removes the noise.
func NewProxyPhysics(params PhysicsParams, rng *rand.Rand) *ProxyPhysics {
	return &ProxyPhysics{params: params, rng: rng}
}

// Update implements PhysicsModel. Nodes are updated first so pipe flows
// see this step's pressures.
func (p *ProxyPhysics) Update(snap *kb.Snapshot, _ float64) error {
	for i := range snap.Nodes {
		n := &snap.Nodes[i]
		switch n.Type {
		case model.NodeSource:
			n.CurrentPressure = n.SetPressure + p.gauss(p.params.SourcePressureNoise)
			n.CurrentFlow = p.params.DefaultSourceFlow
			if n.SetFlow > 0 {
				n.CurrentFlow = n.SetFlow
			}
		case model.NodeSink:
			n.CurrentFlow = n.SetFlow
			n.CurrentPressure = p.params.SinkPressureFactor*n.PressureMin + p.gauss(p.params.SinkPressureNoise)
		case model.NodeJunction:
			n.CurrentPressure = p.params.JunctionPressure + p.gauss(p.params.JunctionPressureNoise)
		}
	}

	for i := range snap.Pipes {
		pipe := &snap.Pipes[i]
		from, okFrom := snap.Node(pipe.FromNode)
		to, okTo := snap.Node(pipe.ToNode)
		if !okFrom || !okTo {
			continue
		}
		dp := from.CurrentPressure - to.CurrentPressure
		flow := dp*p.params.PipeConductance*Openness(snap, pipe.ID) + p.gauss(p.params.PipeFlowNoise)
		pipe.CurrentFlow = max(0, flow)
	}
	return nil
}

// Openness is the fractional opening of the first valve on a pipe, or 1
// for a pipe without valves.
func Openness(snap *kb.Snapshot, pipeID string) float64 {
	if v, ok := snap.FirstValveOnPipe(pipeID); ok {
		return v.Position / 100
	}
	return 1.0
}

func (p *ProxyPhysics) gauss(sigma float64) float64 {
	if p.rng == nil || sigma == 0 {
		return 0
	}
	return p.rng.NormFloat64() * sigma
}
