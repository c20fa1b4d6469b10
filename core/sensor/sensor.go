// Package sensor produces noisy observations of the simulated network state.
package sensor

import (
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

// Kind is the measured quantity.
type Kind string

const (
	KindPressure    Kind = "pressure"
	KindTemperature Kind = "temperature"
	KindFlow        Kind = "flow"
)

// Sensor is a measurement point on a node or a pipe.
type Sensor struct {
	ID     string
	Kind   Kind
	NodeID string
	PipeID string
	Unit   string
}

// Noise holds the Gaussian standard deviation applied per channel.
type Noise struct {
	Pressure    float64 `yaml:"pressure" validate:"gte=0"`
	Temperature float64 `yaml:"temperature" validate:"gte=0"`
	Flow        float64 `yaml:"flow" validate:"gte=0"`
}

// DefaultNoise returns 0.1 bar, 0.5 °C and 2.0 flow units.
func DefaultNoise() Noise {
	return Noise{Pressure: 0.1, Temperature: 0.5, Flow: 2.0}
}

// ID helpers; sensor IDs are "<kind>_<object id>".
func PressureID(nodeID string) string    { return string(KindPressure) + "_" + nodeID }
func TemperatureID(nodeID string) string { return string(KindTemperature) + "_" + nodeID }
func FlowID(objectID string) string      { return string(KindFlow) + "_" + objectID }

// Define lists the sensors for a topology: pressure and temperature on
// every node, flow on sources and sinks, and flow on every pipe.
func Define(snap *kb.Snapshot) []Sensor {
	var out []Sensor
	for _, n := range snap.Nodes {
		out = append(out,
			Sensor{ID: PressureID(n.ID), Kind: KindPressure, NodeID: n.ID, Unit: "bar"},
			Sensor{ID: TemperatureID(n.ID), Kind: KindTemperature, NodeID: n.ID, Unit: "°C"},
		)
		if n.HasFlowLimits() {
			out = append(out, Sensor{ID: FlowID(n.ID), Kind: KindFlow, NodeID: n.ID, Unit: "1000m³/h"})
		}
	}
	for _, p := range snap.Pipes {
		out = append(out, Sensor{ID: FlowID(p.ID), Kind: KindFlow, PipeID: p.ID, Unit: "1000m³/h"})
	}
	return out
}

// Layer turns true topology state into sensor readings.
type Layer struct {
	sensors []Sensor
	noise   Noise
	rng     *rand.Rand
}

// NewLayer builds a sensor layer. rng must not be shared with another
// goroutine; a nil rng disables noise.
func NewLayer(sensors []Sensor, noise Noise, rng *rand.Rand) *Layer {
	return &Layer{sensors: sensors, noise: noise, rng: rng}
}

// Sensors returns the sensor definitions.
func (l *Layer) Sensors() []Sensor { return l.sensors }

// Observe reads every sensor against snap. It has no side effects on the
// topology. Pressure and flow readings are clamped to be non-negative.
func (l *Layer) Observe(snap *kb.Snapshot, simTime float64) Readings {
	pipes := make(map[string]*model.Pipe, len(snap.Pipes))
	for i := range snap.Pipes {
		pipes[snap.Pipes[i].ID] = &snap.Pipes[i]
	}

	out := make(Readings, len(l.sensors))
	for _, s := range l.sensors {
		var base float64
		var ok bool
		switch {
		case s.NodeID != "":
			var n *model.Node
			if n, ok = snap.Node(s.NodeID); ok {
				switch s.Kind {
				case KindPressure:
					base = n.CurrentPressure
				case KindTemperature:
					base = n.GasTemperature
				case KindFlow:
					base = n.CurrentFlow
				}
			}
		case s.PipeID != "":
			var p *model.Pipe
			if p, ok = pipes[s.PipeID]; ok {
				base = p.CurrentFlow
			}
		}
		if !ok {
			continue
		}

		switch s.Kind {
		case KindPressure:
			out[s.ID] = max(0, base+l.gauss(l.noise.Pressure))
		case KindTemperature:
			out[s.ID] = base + l.gauss(l.noise.Temperature)
		case KindFlow:
			out[s.ID] = max(0, base+l.gauss(l.noise.Flow))
		}
	}
	return out
}

func (l *Layer) gauss(sigma float64) float64 {
	if l.rng == nil || sigma == 0 {
		return 0
	}
	return l.rng.NormFloat64() * sigma
}

// Readings maps sensor IDs to observed values for one step.
type Readings map[string]float64

// Pressure returns the pressure reading for a node.
func (r Readings) Pressure(nodeID string) (float64, bool) {
	v, ok := r[PressureID(nodeID)]
	return v, ok
}

// Temperature returns the temperature reading for a node.
func (r Readings) Temperature(nodeID string) (float64, bool) {
	v, ok := r[TemperatureID(nodeID)]
	return v, ok
}

// Flow returns the flow reading for a node or pipe.
func (r Readings) Flow(objectID string) (float64, bool) {
	v, ok := r[FlowID(objectID)]
	return v, ok
}

// OfKind returns all readings of one kind, keyed by sensor ID.
func (r Readings) OfKind(k Kind) map[string]float64 {
	prefix := string(k) + "_"
	out := make(map[string]float64)
	for id, v := range r {
		if strings.HasPrefix(id, prefix) {
			out[id] = v
		}
	}
	return out
}

// IDs returns the sensor IDs in sorted order.
func (r Readings) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
