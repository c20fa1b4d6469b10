package model

// NoOverride is the sentinel for "no manual setpoint, defer to automatic
// control" on valve positions and compressor speeds.
const NoOverride = -1.0

// Valve is attached to exactly one pipe.
type Valve struct {
	ID     string
	PipeID string

	// Position is the actual opening in percent, always within [0,100].
	// Only actuator arbitration mutates it.
	Position float64

	// SetPosition is NoOverride, or a manual target within [0,100].
	SetPosition float64

	// ControllerID optionally names the controller instance that drives the
	// valve when no manual override is active.
	ControllerID string
}

// HasOverride reports whether a manual position is in force.
func (v Valve) HasOverride() bool {
	return v.SetPosition >= 0
}

// CompressorStatus is the state of the compressor start/stop machine.
type CompressorStatus string

const (
	CompressorOff      CompressorStatus = "OFF"
	CompressorStarting CompressorStatus = "STARTING"
	CompressorRunning  CompressorStatus = "RUNNING"
	CompressorStopping CompressorStatus = "STOPPING"
)

// CompressorCommand is the operator command for a compressor.
type CompressorCommand string

const (
	CommandOn   CompressorCommand = "ON"
	CommandOff  CompressorCommand = "OFF"
	CommandAuto CompressorCommand = "AUTO"
)

// Valid reports whether c is a known command.
func (c CompressorCommand) Valid() bool {
	switch c {
	case CommandOn, CommandOff, CommandAuto:
		return true
	}
	return false
}

// Compressor is attached to one node. Speeds are in RPM.
type Compressor struct {
	ID     string
	NodeID string

	Status   CompressorStatus
	Speed    float64
	MaxSpeed float64

	// SetCommand is AUTO unless an operator forces ON or OFF.
	SetCommand CompressorCommand
	// SetSpeed is NoOverride, or a manual target within [0,MaxSpeed].
	SetSpeed float64

	ControllerID string
}
