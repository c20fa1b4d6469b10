// Package controlplane exposes run control, setpoint writes and state
// inspection over gRPC, next to the standard health service.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/gasnet-twin/internal/command"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/sim/runner"
	"github.com/signalsfoundry/gasnet-twin/kb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "gasnet.v1.SimulationControl"

// Runs is the run lifecycle surface, satisfied by *runner.Manager.
type Runs interface {
	Start(ctx context.Context, network string, duration, timeStep time.Duration) (runner.Run, error)
	Stop(ctx context.Context) (runner.Run, error)
	Status(id string) (runner.Run, error)
	Active() (runner.Run, bool)
	Runs() []runner.Run
}

// Networks resolves and lists loaded topologies, satisfied by *kb.Catalog.
type Networks interface {
	runner.Topology
	Names() []string
}

// ControlServer is the server API of the SimulationControl service. Every
// method takes and returns a Struct payload.
type ControlServer interface {
	Start(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stop(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetSetpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListNetworks(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Service implements ControlServer over a run manager and a topology
// catalog.
type Service struct {
	runs     Runs
	networks Networks
	log      logging.Logger

	defaultDuration time.Duration
	defaultTimeStep time.Duration
}

var _ ControlServer = (*Service)(nil)

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithRunDefaults sets the duration and time step used when a Start
// request omits them.
func WithRunDefaults(duration, timeStep time.Duration) ServiceOption {
	return func(s *Service) {
		if duration > 0 {
			s.defaultDuration = duration
		}
		if timeStep > 0 {
			s.defaultTimeStep = timeStep
		}
	}
}

// WithServiceLogger sets the fallback logger.
func WithServiceLogger(l logging.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// NewService constructs a Service.
func NewService(runs Runs, networks Networks, opts ...ServiceOption) *Service {
	s := &Service{
		runs:            runs,
		networks:        networks,
		log:             logging.Noop(),
		defaultDuration: time.Hour,
		defaultTimeStep: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// Start launches a run. Fields: network (required), duration and
// time_step as Go duration strings or seconds.
func (s *Service) Start(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	network, err := stringField(req, "network", true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	duration, err := durationField(req, "duration", s.defaultDuration)
	if err != nil {
		return nil, ToStatusError(err)
	}
	timeStep, err := durationField(req, "time_step", s.defaultTimeStep)
	if err != nil {
		return nil, ToStatusError(err)
	}

	run, err := s.runs.Start(ctx, network, duration, timeStep)
	if err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "run started over control plane",
		logging.String("run_id", run.ID),
		logging.String("network", network),
	)
	return toStruct(runFields(run))
}

// Stop ends the active run.
func (s *Service) Stop(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	run, err := s.runs.Stop(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(runFields(run))
}

// Status reports one run by run_id, or the active run when run_id is
// empty.
func (s *Service) Status(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := stringField(req, "run_id", false)
	if err != nil {
		return nil, ToStatusError(err)
	}
	var run runner.Run
	if id == "" {
		active, ok := s.runs.Active()
		if !ok {
			return nil, ToStatusError(runner.ErrNoActiveRun)
		}
		run = active
	} else if run, err = s.runs.Status(id); err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(runFields(run))
}

// ListRuns returns every run known to the process, oldest first.
func (s *Service) ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	runs := s.runs.Runs()
	list := make([]any, 0, len(runs))
	for _, r := range runs {
		list = append(list, runFields(r))
	}
	return toStruct(map[string]any{"runs": list})
}

// SetSetpoint writes one operator setpoint. Fields: network, target,
// object, and value or command.
func (s *Service) SetSetpoint(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	network, err := stringField(req, "network", true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	target, err := stringField(req, "target", true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	object, err := stringField(req, "object", true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	verb, err := stringField(req, "command", false)
	if err != nil {
		return nil, ToStatusError(err)
	}
	cmd := command.Command{
		Target:   command.Target(target),
		ObjectID: object,
		Command:  strings.ToUpper(verb),
	}
	if cmd.Target != command.CompressorCommand {
		if cmd.Value, err = numberField(req, "value"); err != nil {
			return nil, ToStatusError(err)
		}
	}
	if err := cmd.Validate(); err != nil {
		return nil, ToStatusError(err)
	}

	store, err := s.networks.Topology(network)
	if err != nil {
		return nil, ToStatusError(err)
	}
	if err := cmd.Apply(store); err != nil {
		return nil, ToStatusError(err)
	}
	s.logger(ctx).Info(ctx, "setpoint applied",
		logging.String("network", network),
		logging.String("command", cmd.String()),
	)
	return toStruct(map[string]any{"applied": true, "command": cmd.String()})
}

// GetState returns the current state of every entity in a network.
func (s *Service) GetState(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	network, err := stringField(req, "network", true)
	if err != nil {
		return nil, ToStatusError(err)
	}
	store, err := s.networks.Topology(network)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return toStruct(stateFields(store))
}

// ListNetworks returns the names of loaded networks.
func (s *Service) ListNetworks(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	names := s.networks.Names()
	list := make([]any, 0, len(names))
	for _, n := range names {
		list = append(list, n)
	}
	return toStruct(map[string]any{"networks": list})
}

func runFields(r runner.Run) map[string]any {
	return map[string]any{
		"id":          r.ID,
		"network":     r.Network,
		"status":      string(r.Status),
		"duration":    r.Duration.String(),
		"time_step":   r.TimeStep.String(),
		"seed":        float64(r.Seed),
		"max_steps":   r.MaxSteps,
		"total_steps": r.TotalSteps,
		"overruns":    r.Overruns,
		"sim_time":    r.SimTime().String(),
		"last_error":  r.LastError,
		"created_at":  timestamp(r.CreatedAt),
		"started_at":  timestamp(r.StartedAt),
		"ended_at":    timestamp(r.EndedAt),
	}
}

func stateFields(store *kb.KnowledgeBase) map[string]any {
	nodes := store.ListNodes()
	pipes := store.ListPipes()
	valves := store.ListValves()
	compressors := store.ListCompressors()

	nodeList := make([]any, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, map[string]any{
			"id":           n.ID,
			"type":         string(n.Type),
			"pressure":     n.CurrentPressure,
			"flow":         n.CurrentFlow,
			"temperature":  n.GasTemperature,
			"set_pressure": n.SetPressure,
			"set_flow":     n.SetFlow,
		})
	}
	pipeList := make([]any, 0, len(pipes))
	for _, p := range pipes {
		pipeList = append(pipeList, map[string]any{
			"id":   p.ID,
			"from": p.FromNode,
			"to":   p.ToNode,
			"flow": p.CurrentFlow,
		})
	}
	valveList := make([]any, 0, len(valves))
	for _, v := range valves {
		valveList = append(valveList, map[string]any{
			"id":           v.ID,
			"pipe":         v.PipeID,
			"position":     v.Position,
			"set_position": v.SetPosition,
			"controller":   v.ControllerID,
		})
	}
	compList := make([]any, 0, len(compressors))
	for _, c := range compressors {
		compList = append(compList, map[string]any{
			"id":          c.ID,
			"node":        c.NodeID,
			"status":      string(c.Status),
			"speed":       c.Speed,
			"max_speed":   c.MaxSpeed,
			"set_command": string(c.SetCommand),
			"set_speed":   c.SetSpeed,
			"controller":  c.ControllerID,
		})
	}
	return map[string]any{
		"network":     store.Name(),
		"nodes":       nodeList,
		"pipes":       pipeList,
		"valves":      valveList,
		"compressors": compList,
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, ToStatusError(fmt.Errorf("encode response: %w", err))
	}
	return st, nil
}

func stringField(req *structpb.Struct, key string, required bool) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok || v.GetKind() == nil {
		if required {
			return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
		}
		return "", nil
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, key)
	}
	if required && sv.StringValue == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	return sv.StringValue, nil
}

func numberField(req *structpb.Struct, key string) (float64, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidRequest, key)
	}
	nv, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidRequest, key)
	}
	return nv.NumberValue, nil
}

// durationField accepts "90s"-style strings or a number of seconds.
func durationField(req *structpb.Struct, key string, def time.Duration) (time.Duration, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return def, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if k.StringValue == "" {
			return def, nil
		}
		d, err := time.ParseDuration(k.StringValue)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, key, err)
		}
		return d, nil
	case *structpb.Value_NumberValue:
		return time.Duration(k.NumberValue * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a duration string or seconds", ErrInvalidRequest, key)
	}
}

func unaryHandler(method string, call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the SimulationControl service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Start", ControlServer.Start),
		unaryHandler("Stop", ControlServer.Stop),
		unaryHandler("Status", ControlServer.Status),
		unaryHandler("ListRuns", ControlServer.ListRuns),
		unaryHandler("SetSetpoint", ControlServer.SetSetpoint),
		unaryHandler("GetState", ControlServer.GetState),
		unaryHandler("ListNetworks", ControlServer.ListNetworks),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
