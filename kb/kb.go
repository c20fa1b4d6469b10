package kb

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/signalsfoundry/gasnet-twin/model"
)

var (
	// ErrNodeNotFound indicates a requested node was not found.
	ErrNodeNotFound = errors.New("node not found")
	// ErrPipeNotFound indicates a requested pipe was not found.
	ErrPipeNotFound = errors.New("pipe not found")
	// ErrValveNotFound indicates a requested valve was not found.
	ErrValveNotFound = errors.New("valve not found")
	// ErrCompressorNotFound indicates a requested compressor was not found.
	ErrCompressorNotFound = errors.New("compressor not found")
	// ErrInvalidTopology indicates a network failed structural validation.
	ErrInvalidTopology = errors.New("invalid topology")
	// ErrInvalidSetpoint indicates a setpoint outside its permitted range.
	ErrInvalidSetpoint = errors.New("invalid setpoint")
)

// EventType indicates what kind of change happened in the KB.
type EventType int

// EventSetpointChanged fires after an external setpoint write.
const EventSetpointChanged EventType = iota

// Event is emitted to subscribers after a setpoint write.
type Event struct {
	Type     EventType
	ObjectID string
	Field    string
	Value    float64
	Command  model.CompressorCommand
}

// KnowledgeBase is the in-memory, thread-safe topology of one gas network.
//
// Two write paths exist. External callers use the Set* methods, which only
// ever touch setpoint fields. The simulation loop reads a Snapshot and
// commits derived fields back with Commit. Neither path writes the other's
// fields, so concurrent overrides never race with the loop's state.
type KnowledgeBase struct {
	mu sync.RWMutex

	name        string
	description string

	nodes       map[string]*model.Node
	pipes       map[string]*model.Pipe
	valves      map[string]*model.Valve
	compressors map[string]*model.Compressor

	// Stable iteration order, fixed at construction. Entities are never
	// deleted while a network is loaded.
	nodeIDs       []string
	pipeIDs       []string
	valveIDs      []string
	compressorIDs []string

	subs map[int]func(Event)
	next int
}

// New builds a KnowledgeBase from a detached network description after
// checking identifiers and cross references.
func New(net model.Network) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		name:        net.Name,
		description: net.Description,
		nodes:       make(map[string]*model.Node, len(net.Nodes)),
		pipes:       make(map[string]*model.Pipe, len(net.Pipes)),
		valves:      make(map[string]*model.Valve, len(net.Valves)),
		compressors: make(map[string]*model.Compressor, len(net.Compressors)),
		subs:        make(map[int]func(Event)),
	}
	if net.Name == "" {
		return nil, fmt.Errorf("%w: network name is empty", ErrInvalidTopology)
	}

	for i := range net.Nodes {
		n := net.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("%w: node with empty id", ErrInvalidTopology)
		}
		if _, dup := kb.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q", ErrInvalidTopology, n.ID)
		}
		if !n.Type.Valid() {
			return nil, fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidTopology, n.ID, n.Type)
		}
		if n.PressureMin > n.PressureMax {
			return nil, fmt.Errorf("%w: node %q pressure_min > pressure_max", ErrInvalidTopology, n.ID)
		}
		if n.HasFlowLimits() && n.FlowMin > n.FlowMax {
			return nil, fmt.Errorf("%w: node %q flow_min > flow_max", ErrInvalidTopology, n.ID)
		}
		if math.IsNaN(n.SetPressure) || n.SetPressure < n.PressureMin || n.SetPressure > n.PressureMax {
			return nil, fmt.Errorf("%w: node %q set_pressure %.2f outside [%.2f, %.2f]",
				ErrInvalidTopology, n.ID, n.SetPressure, n.PressureMin, n.PressureMax)
		}
		if n.HasFlowLimits() && (math.IsNaN(n.SetFlow) || n.SetFlow < n.FlowMin || n.SetFlow > n.FlowMax) {
			return nil, fmt.Errorf("%w: node %q set_flow %.2f outside [%.2f, %.2f]",
				ErrInvalidTopology, n.ID, n.SetFlow, n.FlowMin, n.FlowMax)
		}
		kb.nodes[n.ID] = &n
		kb.nodeIDs = append(kb.nodeIDs, n.ID)
	}

	for i := range net.Pipes {
		p := net.Pipes[i]
		if p.ID == "" {
			return nil, fmt.Errorf("%w: pipe with empty id", ErrInvalidTopology)
		}
		if _, dup := kb.pipes[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pipe %q", ErrInvalidTopology, p.ID)
		}
		if _, ok := kb.nodes[p.FromNode]; !ok {
			return nil, fmt.Errorf("%w: pipe %q references unknown node %q", ErrInvalidTopology, p.ID, p.FromNode)
		}
		if _, ok := kb.nodes[p.ToNode]; !ok {
			return nil, fmt.Errorf("%w: pipe %q references unknown node %q", ErrInvalidTopology, p.ID, p.ToNode)
		}
		kb.pipes[p.ID] = &p
		kb.pipeIDs = append(kb.pipeIDs, p.ID)
	}

	for i := range net.Valves {
		v := net.Valves[i]
		if v.ID == "" {
			return nil, fmt.Errorf("%w: valve with empty id", ErrInvalidTopology)
		}
		if _, dup := kb.valves[v.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate valve %q", ErrInvalidTopology, v.ID)
		}
		if _, ok := kb.pipes[v.PipeID]; !ok {
			return nil, fmt.Errorf("%w: valve %q references unknown pipe %q", ErrInvalidTopology, v.ID, v.PipeID)
		}
		v.Position = clamp(v.Position, 0, 100)
		if !validValvePosition(v.SetPosition) {
			return nil, fmt.Errorf("%w: valve %q set_position %.2f", ErrInvalidTopology, v.ID, v.SetPosition)
		}
		kb.valves[v.ID] = &v
		kb.valveIDs = append(kb.valveIDs, v.ID)
	}

	for i := range net.Compressors {
		c := net.Compressors[i]
		if c.ID == "" {
			return nil, fmt.Errorf("%w: compressor with empty id", ErrInvalidTopology)
		}
		if _, dup := kb.compressors[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate compressor %q", ErrInvalidTopology, c.ID)
		}
		if _, ok := kb.nodes[c.NodeID]; !ok {
			return nil, fmt.Errorf("%w: compressor %q references unknown node %q", ErrInvalidTopology, c.ID, c.NodeID)
		}
		if c.MaxSpeed <= 0 {
			return nil, fmt.Errorf("%w: compressor %q max_speed must be positive", ErrInvalidTopology, c.ID)
		}
		if c.Status == "" {
			c.Status = model.CompressorOff
		}
		if c.SetCommand == "" {
			c.SetCommand = model.CommandAuto
		}
		if !c.SetCommand.Valid() {
			return nil, fmt.Errorf("%w: compressor %q has unknown command %q", ErrInvalidTopology, c.ID, c.SetCommand)
		}
		if c.SetSpeed != model.NoOverride && (c.SetSpeed < 0 || c.SetSpeed > c.MaxSpeed) {
			return nil, fmt.Errorf("%w: compressor %q set_speed %.0f", ErrInvalidTopology, c.ID, c.SetSpeed)
		}
		c.Speed = clamp(c.Speed, 0, c.MaxSpeed)
		kb.compressors[c.ID] = &c
		kb.compressorIDs = append(kb.compressorIDs, c.ID)
	}

	sort.Strings(kb.nodeIDs)
	sort.Strings(kb.pipeIDs)
	sort.Strings(kb.valveIDs)
	sort.Strings(kb.compressorIDs)
	return kb, nil
}

// Name returns the network name.
func (kb *KnowledgeBase) Name() string { return kb.name }

// Description returns the free-form network description.
func (kb *KnowledgeBase) Description() string { return kb.description }

// Node returns a copy of the node with the given ID.
func (kb *KnowledgeBase) Node(id string) (model.Node, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	n, ok := kb.nodes[id]
	if !ok {
		return model.Node{}, fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	return *n, nil
}

// Valve returns a copy of the valve with the given ID.
func (kb *KnowledgeBase) Valve(id string) (model.Valve, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	v, ok := kb.valves[id]
	if !ok {
		return model.Valve{}, fmt.Errorf("%w: %q", ErrValveNotFound, id)
	}
	return *v, nil
}

// Compressor returns a copy of the compressor with the given ID.
func (kb *KnowledgeBase) Compressor(id string) (model.Compressor, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	c, ok := kb.compressors[id]
	if !ok {
		return model.Compressor{}, fmt.Errorf("%w: %q", ErrCompressorNotFound, id)
	}
	return *c, nil
}

// ListNodes returns a snapshot slice of all nodes ordered by ID.
func (kb *KnowledgeBase) ListNodes() []model.Node {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.Node, 0, len(kb.nodeIDs))
	for _, id := range kb.nodeIDs {
		res = append(res, *kb.nodes[id])
	}
	return res
}

// ListPipes returns a snapshot slice of all pipes ordered by ID.
func (kb *KnowledgeBase) ListPipes() []model.Pipe {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.Pipe, 0, len(kb.pipeIDs))
	for _, id := range kb.pipeIDs {
		res = append(res, *kb.pipes[id])
	}
	return res
}

// ListValves returns a snapshot slice of all valves ordered by ID.
func (kb *KnowledgeBase) ListValves() []model.Valve {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.Valve, 0, len(kb.valveIDs))
	for _, id := range kb.valveIDs {
		res = append(res, *kb.valves[id])
	}
	return res
}

// ListCompressors returns a snapshot slice of all compressors ordered by ID.
func (kb *KnowledgeBase) ListCompressors() []model.Compressor {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	res := make([]model.Compressor, 0, len(kb.compressorIDs))
	for _, id := range kb.compressorIDs {
		res = append(res, *kb.compressors[id])
	}
	return res
}

// SetNodePressure sets a node's pressure setpoint. The value must lie
// within the node's pressure limits.
func (kb *KnowledgeBase) SetNodePressure(id string, value float64) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if math.IsNaN(value) || value < n.PressureMin || value > n.PressureMax {
		kb.mu.Unlock()
		return fmt.Errorf("%w: node %q set_pressure %.3f outside [%.3f, %.3f]",
			ErrInvalidSetpoint, id, value, n.PressureMin, n.PressureMax)
	}
	n.SetPressure = value
	kb.mu.Unlock()

	kb.notify(Event{Type: EventSetpointChanged, ObjectID: id, Field: "set_pressure", Value: value})
	return nil
}

// SetNodeFlow sets a source or sink flow setpoint within its flow limits.
func (kb *KnowledgeBase) SetNodeFlow(id string, value float64) error {
	kb.mu.Lock()
	n, ok := kb.nodes[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNodeNotFound, id)
	}
	if !n.HasFlowLimits() {
		kb.mu.Unlock()
		return fmt.Errorf("%w: node %q is a %s and has no flow setpoint", ErrInvalidSetpoint, id, n.Type)
	}
	if math.IsNaN(value) || value < n.FlowMin || value > n.FlowMax {
		kb.mu.Unlock()
		return fmt.Errorf("%w: node %q set_flow %.3f outside [%.3f, %.3f]",
			ErrInvalidSetpoint, id, value, n.FlowMin, n.FlowMax)
	}
	n.SetFlow = value
	kb.mu.Unlock()

	kb.notify(Event{Type: EventSetpointChanged, ObjectID: id, Field: "set_flow", Value: value})
	return nil
}

// SetValvePosition applies a manual valve override. model.NoOverride
// releases the valve back to automatic control.
func (kb *KnowledgeBase) SetValvePosition(id string, value float64) error {
	if !validValvePosition(value) {
		return fmt.Errorf("%w: valve %q set_position %.3f must be -1 or within [0, 100]", ErrInvalidSetpoint, id, value)
	}
	kb.mu.Lock()
	v, ok := kb.valves[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrValveNotFound, id)
	}
	v.SetPosition = value
	kb.mu.Unlock()

	kb.notify(Event{Type: EventSetpointChanged, ObjectID: id, Field: "set_position", Value: value})
	return nil
}

// SetCompressorCommand forces a compressor ON or OFF, or releases it to AUTO.
func (kb *KnowledgeBase) SetCompressorCommand(id string, cmd model.CompressorCommand) error {
	if !cmd.Valid() {
		return fmt.Errorf("%w: compressor %q command %q", ErrInvalidSetpoint, id, cmd)
	}
	kb.mu.Lock()
	c, ok := kb.compressors[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCompressorNotFound, id)
	}
	c.SetCommand = cmd
	kb.mu.Unlock()

	kb.notify(Event{Type: EventSetpointChanged, ObjectID: id, Field: "set_command", Command: cmd})
	return nil
}

// SetCompressorSpeed sets a manual speed target, or model.NoOverride to
// release the speed to automatic control.
func (kb *KnowledgeBase) SetCompressorSpeed(id string, value float64) error {
	kb.mu.Lock()
	c, ok := kb.compressors[id]
	if !ok {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrCompressorNotFound, id)
	}
	if value != model.NoOverride && (math.IsNaN(value) || value < 0 || value > c.MaxSpeed) {
		kb.mu.Unlock()
		return fmt.Errorf("%w: compressor %q set_speed %.0f must be -1 or within [0, %.0f]",
			ErrInvalidSetpoint, id, value, c.MaxSpeed)
	}
	c.SetSpeed = value
	kb.mu.Unlock()

	kb.notify(Event{Type: EventSetpointChanged, ObjectID: id, Field: "set_speed", Value: value})
	return nil
}

// Subscribe registers a callback for KB events. It returns an unsubscribe function.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.next
	kb.next++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

func (kb *KnowledgeBase) notify(ev Event) {
	kb.mu.RLock()
	subs := make([]func(Event), 0, len(kb.subs))
	for _, fn := range kb.subs {
		subs = append(subs, fn)
	}
	kb.mu.RUnlock()

	// Notify subscribers outside the lock to avoid deadlocks.
	for _, fn := range subs {
		fn(ev)
	}
}

func validValvePosition(v float64) bool {
	return v == model.NoOverride || (v >= 0 && v <= 100)
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
