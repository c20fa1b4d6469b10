package model

// NodeType classifies a network node by its boundary role.
type NodeType string

const (
	NodeSource   NodeType = "source"
	NodeSink     NodeType = "sink"
	NodeJunction NodeType = "junction"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeSource, NodeSink, NodeJunction:
		return true
	}
	return false
}

// Default GasLib limits applied when a network file leaves them unset.
const (
	DefaultPressureMin    = 1.01325
	DefaultPressureMax    = 81.01325
	DefaultFlowMax        = 10000.0
	DefaultGasTemperature = 20.0
)

// Node is a point in the gas network. Pressures are in bar, flows in
// 1000 m³/h and temperatures in °C.
type Node struct {
	ID   string
	Type NodeType

	// X and Y are schematic coordinates used only for display.
	X float64
	Y float64

	PressureMin float64
	PressureMax float64
	// FlowMin and FlowMax only constrain sources and sinks.
	FlowMin float64
	FlowMax float64

	// Simulated state, written by physics.
	CurrentPressure float64
	CurrentFlow     float64
	GasTemperature  float64

	// Operator setpoints. Always within [min,max]; enforced where they are
	// written, never inside physics.
	SetPressure float64
	SetFlow     float64
}

// HasFlowLimits reports whether the node carries flow limits, i.e. whether
// it is a boundary node.
func (n Node) HasFlowLimits() bool {
	return n.Type == NodeSource || n.Type == NodeSink
}
