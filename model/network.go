package model

// Network is a complete, detached description of a gas network as loaded
// from a topology source.
type Network struct {
	Name        string
	Description string

	Nodes       []Node
	Pipes       []Pipe
	Valves      []Valve
	Compressors []Compressor
}
