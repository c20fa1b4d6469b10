// Package netfile loads gas network descriptions from YAML files into
// knowledge bases, together with their controller placement and scheduled
// setpoint commands.
package netfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/internal/command"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/internal/validation"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

// ErrInvalidNetwork wraps every decode, validation and reference failure.
var ErrInvalidNetwork = errors.New("invalid network file")

// DefaultValvePosition is the opening of valves created for pipes that
// declare none.
const DefaultValvePosition = 50.0

// File is the on-disk shape of a network description. Pointer fields are
// optional; nil means "use the default".
type File struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description"`
	Nodes       []NodeSpec        `yaml:"nodes" validate:"required,min=1,dive"`
	Pipes       []PipeSpec        `yaml:"pipes" validate:"dive"`
	Valves      []ValveSpec       `yaml:"valves" validate:"dive"`
	Compressors []CompressorSpec  `yaml:"compressors" validate:"dive"`
	Placement   map[string]string `yaml:"placement"`
	Commands    []command.Command `yaml:"commands" validate:"dive"`
}

// NodeSpec describes one node.
type NodeSpec struct {
	ID             string   `yaml:"id" validate:"required"`
	Type           string   `yaml:"type" validate:"required,oneof=source sink junction"`
	X              float64  `yaml:"x"`
	Y              float64  `yaml:"y"`
	PressureMin    *float64 `yaml:"pressure_min" validate:"omitempty,gte=0"`
	PressureMax    *float64 `yaml:"pressure_max" validate:"omitempty,gt=0"`
	FlowMin        *float64 `yaml:"flow_min" validate:"omitempty,gte=0"`
	FlowMax        *float64 `yaml:"flow_max" validate:"omitempty,gte=0"`
	SetPressure    *float64 `yaml:"set_pressure" validate:"omitempty,gte=0"`
	SetFlow        *float64 `yaml:"set_flow" validate:"omitempty,gte=0"`
	GasTemperature *float64 `yaml:"gas_temperature"`
}

// PipeSpec describes one pipe.
type PipeSpec struct {
	ID        string  `yaml:"id" validate:"required"`
	From      string  `yaml:"from" validate:"required"`
	To        string  `yaml:"to" validate:"required,nefield=From"`
	Length    float64 `yaml:"length" validate:"gte=0"`
	Diameter  float64 `yaml:"diameter" validate:"gte=0"`
	Roughness float64 `yaml:"roughness" validate:"gte=0"`
}

// ValveSpec describes one valve.
type ValveSpec struct {
	ID          string   `yaml:"id" validate:"required"`
	Pipe        string   `yaml:"pipe" validate:"required"`
	Position    *float64 `yaml:"position" validate:"omitempty,gte=0,lte=100"`
	SetPosition *float64 `yaml:"set_position" validate:"omitempty,gte=-1,lte=100"`
	Controller  string   `yaml:"controller"`
}

// CompressorSpec describes one compressor.
type CompressorSpec struct {
	ID         string   `yaml:"id" validate:"required"`
	Node       string   `yaml:"node" validate:"required"`
	MaxSpeed   float64  `yaml:"max_speed" validate:"gt=0"`
	SetCommand string   `yaml:"set_command" validate:"omitempty,oneof=ON OFF AUTO"`
	SetSpeed   *float64 `yaml:"set_speed" validate:"omitempty,gte=-1"`
	Controller string   `yaml:"controller"`
}

// Parse decodes and validates a network file.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidNetwork)
		}
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidNetwork, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and validates the network file at path.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
	}
	defer fh.Close()
	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks field ranges, placement and command references. Topology
// references between entities are checked again by kb.New.
func (f *File) Validate() error {
	if err := validation.Struct(f); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
	}
	nodes := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		nodes[n.ID] = true
	}
	for t, nodeID := range f.Placement {
		if !control.Type(t).Valid() {
			return fmt.Errorf("%w: placement names unknown controller type %q", ErrInvalidNetwork, t)
		}
		if !nodes[nodeID] {
			return fmt.Errorf("%w: placement of %s on unknown node %q", ErrInvalidNetwork, t, nodeID)
		}
	}

	valves := f.valveIDs()
	compressors := make(map[string]bool, len(f.Compressors))
	for _, c := range f.Compressors {
		compressors[c.ID] = true
	}
	for i, cmd := range f.Commands {
		if err := cmd.Validate(); err != nil {
			return fmt.Errorf("%w: commands[%d]: %w", ErrInvalidNetwork, i, err)
		}
		var known bool
		switch cmd.Target {
		case command.NodePressure, command.NodeFlow:
			known = nodes[cmd.ObjectID]
		case command.ValvePosition:
			known = valves[cmd.ObjectID]
		case command.CompressorCommand, command.CompressorSpeed:
			known = compressors[cmd.ObjectID]
		}
		if !known {
			return fmt.Errorf("%w: commands[%d]: %s references unknown object %q",
				ErrInvalidNetwork, i, cmd.Target, cmd.ObjectID)
		}
	}
	return nil
}

// valveIDs returns declared valve IDs plus the IDs of valves that will be
// created for pipes without one.
func (f *File) valveIDs() map[string]bool {
	out := make(map[string]bool, len(f.Pipes))
	covered := make(map[string]bool, len(f.Valves))
	for _, v := range f.Valves {
		out[v.ID] = true
		covered[v.Pipe] = true
	}
	for _, p := range f.Pipes {
		if !covered[p.ID] {
			out[autoValveID(p.ID)] = true
		}
	}
	return out
}

func autoValveID(pipeID string) string { return "valve_" + pipeID }

// Network converts the file into a model network with defaults applied:
// GasLib pressure limits, 20 °C gas, the mid-range initial pressure, and a
// half-open valve on every pipe that declares none.
func (f *File) Network() model.Network {
	net := model.Network{Name: f.Name, Description: f.Description}

	for _, s := range f.Nodes {
		n := model.Node{
			ID:             s.ID,
			Type:           model.NodeType(s.Type),
			X:              s.X,
			Y:              s.Y,
			PressureMin:    orDefault(s.PressureMin, model.DefaultPressureMin),
			PressureMax:    orDefault(s.PressureMax, model.DefaultPressureMax),
			GasTemperature: orDefault(s.GasTemperature, model.DefaultGasTemperature),
		}
		n.CurrentPressure = (n.PressureMin + n.PressureMax) / 2
		n.SetPressure = orDefault(s.SetPressure, n.CurrentPressure)
		if n.HasFlowLimits() {
			n.FlowMin = orDefault(s.FlowMin, 0)
			n.FlowMax = orDefault(s.FlowMax, model.DefaultFlowMax)
			n.SetFlow = orDefault(s.SetFlow, n.FlowMin)
		}
		net.Nodes = append(net.Nodes, n)
	}

	for _, s := range f.Pipes {
		net.Pipes = append(net.Pipes, model.Pipe{
			ID:        s.ID,
			FromNode:  s.From,
			ToNode:    s.To,
			Length:    s.Length,
			Diameter:  s.Diameter,
			Roughness: s.Roughness,
		})
	}

	covered := make(map[string]bool, len(f.Valves))
	for _, s := range f.Valves {
		covered[s.Pipe] = true
		net.Valves = append(net.Valves, model.Valve{
			ID:           s.ID,
			PipeID:       s.Pipe,
			Position:     orDefault(s.Position, DefaultValvePosition),
			SetPosition:  orDefault(s.SetPosition, model.NoOverride),
			ControllerID: s.Controller,
		})
	}
	for _, p := range f.Pipes {
		if covered[p.ID] {
			continue
		}
		net.Valves = append(net.Valves, model.Valve{
			ID:          autoValveID(p.ID),
			PipeID:      p.ID,
			Position:    DefaultValvePosition,
			SetPosition: model.NoOverride,
		})
	}

	for _, s := range f.Compressors {
		cmd := model.CompressorCommand(strings.ToUpper(s.SetCommand))
		if cmd == "" {
			cmd = model.CommandAuto
		}
		net.Compressors = append(net.Compressors, model.Compressor{
			ID:           s.ID,
			NodeID:       s.Node,
			Status:       model.CompressorOff,
			MaxSpeed:     s.MaxSpeed,
			SetCommand:   cmd,
			SetSpeed:     orDefault(s.SetSpeed, model.NoOverride),
			ControllerID: s.Controller,
		})
	}
	return net
}

// Scenario returns the placement and scheduled commands for a run.
func (f *File) Scenario() runner.Scenario {
	s := runner.Scenario{Commands: append([]command.Command(nil), f.Commands...)}
	if len(f.Placement) > 0 {
		s.Placement = make(map[control.Type]string, len(f.Placement))
		for t, nodeID := range f.Placement {
			s.Placement[control.Type(t)] = nodeID
		}
	}
	return s
}

// Build validates the converted network and returns its knowledge base.
func (f *File) Build() (*kb.KnowledgeBase, error) {
	store, err := kb.New(f.Network())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
	}
	return store, nil
}

// Library is a set of loaded networks.
type Library struct {
	Catalog   *kb.Catalog
	Scenarios map[string]runner.Scenario
	Files     []string
}

// ManagerOptions returns runner options registering every scenario.
func (l *Library) ManagerOptions() []runner.Option {
	names := make([]string, 0, len(l.Scenarios))
	for name := range l.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	opts := make([]runner.Option, 0, len(names))
	for _, name := range names {
		opts = append(opts, runner.WithScenario(name, l.Scenarios[name]))
	}
	return opts
}

// LoadPaths loads each path, expanding directories to their *.yaml and
// *.yml files. Duplicate network names are rejected.
func LoadPaths(paths ...string) (*Library, error) {
	lib := &Library{Catalog: kb.NewCatalog(), Scenarios: make(map[string]runner.Scenario)}
	files, err := expand(paths)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		f, err := Load(path)
		if err != nil {
			return nil, err
		}
		if _, dup := lib.Scenarios[f.Name]; dup {
			return nil, fmt.Errorf("%w: %s: network %q already loaded", ErrInvalidNetwork, path, f.Name)
		}
		store, err := f.Build()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		lib.Catalog.Add(store)
		lib.Scenarios[f.Name] = f.Scenario()
		lib.Files = append(lib.Files, path)
	}
	return lib, nil
}

func expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidNetwork, err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
				continue
			}
			out = append(out, filepath.Join(p, e.Name()))
		}
	}
	return out, nil
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
