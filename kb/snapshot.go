package kb

import "github.com/signalsfoundry/gasnet-twin/model"

// Snapshot is a detached, consistent copy of the topology. The simulation
// loop mutates a Snapshot during a step and hands it back to Commit.
type Snapshot struct {
	Network     string
	Nodes       []model.Node
	Pipes       []model.Pipe
	Valves      []model.Valve
	Compressors []model.Compressor

	nodeIdx map[string]int
}

// Snapshot copies every entity under a single read lock.
func (kb *KnowledgeBase) Snapshot() *Snapshot {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	s := &Snapshot{
		Network:     kb.name,
		Nodes:       make([]model.Node, 0, len(kb.nodeIDs)),
		Pipes:       make([]model.Pipe, 0, len(kb.pipeIDs)),
		Valves:      make([]model.Valve, 0, len(kb.valveIDs)),
		Compressors: make([]model.Compressor, 0, len(kb.compressorIDs)),
		nodeIdx:     make(map[string]int, len(kb.nodeIDs)),
	}
	for i, id := range kb.nodeIDs {
		s.Nodes = append(s.Nodes, *kb.nodes[id])
		s.nodeIdx[id] = i
	}
	for _, id := range kb.pipeIDs {
		s.Pipes = append(s.Pipes, *kb.pipes[id])
	}
	for _, id := range kb.valveIDs {
		s.Valves = append(s.Valves, *kb.valves[id])
	}
	for _, id := range kb.compressorIDs {
		s.Compressors = append(s.Compressors, *kb.compressors[id])
	}
	return s
}

// Node returns a pointer into the snapshot for the node with the given ID.
func (s *Snapshot) Node(id string) (*model.Node, bool) {
	if s.nodeIdx == nil {
		s.nodeIdx = make(map[string]int, len(s.Nodes))
		for i := range s.Nodes {
			s.nodeIdx[s.Nodes[i].ID] = i
		}
	}
	i, ok := s.nodeIdx[id]
	if !ok {
		return nil, false
	}
	return &s.Nodes[i], true
}

// FirstValveOnPipe returns the first valve (by ID) mounted on the pipe.
func (s *Snapshot) FirstValveOnPipe(pipeID string) (*model.Valve, bool) {
	for i := range s.Valves {
		if s.Valves[i].PipeID == pipeID {
			return &s.Valves[i], true
		}
	}
	return nil, false
}

// Commit writes the derived fields of s back into the knowledge base:
// node pressure, flow and temperature, pipe flow, valve position and
// compressor status and speed. Setpoint fields are never touched so that
// concurrent operator overrides are preserved.
func (kb *KnowledgeBase) Commit(s *Snapshot) {
	if s == nil {
		return
	}
	kb.mu.Lock()
	for i := range s.Nodes {
		if n, ok := kb.nodes[s.Nodes[i].ID]; ok {
			n.CurrentPressure = s.Nodes[i].CurrentPressure
			n.CurrentFlow = s.Nodes[i].CurrentFlow
			n.GasTemperature = s.Nodes[i].GasTemperature
		}
	}
	for i := range s.Pipes {
		if p, ok := kb.pipes[s.Pipes[i].ID]; ok {
			p.CurrentFlow = s.Pipes[i].CurrentFlow
		}
	}
	for i := range s.Valves {
		if v, ok := kb.valves[s.Valves[i].ID]; ok {
			v.Position = clamp(s.Valves[i].Position, 0, 100)
		}
	}
	for i := range s.Compressors {
		if c, ok := kb.compressors[s.Compressors[i].ID]; ok {
			c.Status = s.Compressors[i].Status
			c.Speed = clamp(s.Compressors[i].Speed, 0, c.MaxSpeed)
		}
	}
	kb.mu.Unlock()
}

// BindValve records the controller that drives a valve when it is not
// overridden. It is used while a run is being initialised.
func (kb *KnowledgeBase) BindValve(valveID, controllerID string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	v, ok := kb.valves[valveID]
	if !ok {
		return ErrValveNotFound
	}
	v.ControllerID = controllerID
	return nil
}

// BindCompressor records the controller that drives a compressor in AUTO.
func (kb *KnowledgeBase) BindCompressor(compressorID, controllerID string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	c, ok := kb.compressors[compressorID]
	if !ok {
		return ErrCompressorNotFound
	}
	c.ControllerID = controllerID
	return nil
}
