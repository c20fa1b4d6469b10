package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

var (
	// ErrNoNodes is returned when controllers are placed on an empty topology.
	ErrNoNodes = errors.New("control: topology has no nodes")
	// ErrBadPlacement is returned for placements naming unknown types or nodes.
	ErrBadPlacement = errors.New("control: invalid controller placement")
	// ErrUnknownController is returned when a binding names no controller.
	ErrUnknownController = errors.New("control: unknown controller")
)

// Place instantiates one controller of every type. The i-th type lands on
// the i-th node by ID, wrapping when there are fewer nodes than types.
// COMPRESSOR_MANAGEMENT goes to the first compressor node when one exists.
// Entries in placement override both rules.
func Place(snap *kb.Snapshot, placement map[Type]string) ([]Controller, error) {
	if len(snap.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	for t, nodeID := range placement {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown type %q", ErrBadPlacement, t)
		}
		if _, ok := snap.Node(nodeID); !ok {
			return nil, fmt.Errorf("%w: %s on unknown node %q", ErrBadPlacement, t, nodeID)
		}
	}

	out := make([]Controller, 0, len(Types))
	for i, t := range Types {
		nodeID := snap.Nodes[i%len(snap.Nodes)].ID
		if t == CompressorManagement && len(snap.Compressors) > 0 {
			nodeID = snap.Compressors[0].NodeID
		}
		if explicit, ok := placement[t]; ok {
			nodeID = explicit
		}
		out = append(out, Controller{ID: ID(t, nodeID), Type: t, NodeID: nodeID})
	}
	return out, nil
}

// ResolveBinding maps a binding as written in a network file to a
// controller ID. A binding may be a controller ID or a controller type;
// an empty binding falls back to def, which may itself be empty.
func ResolveBinding(controllers []Controller, binding string, def Type) (string, error) {
	if binding == "" {
		if def == "" {
			return "", nil
		}
		binding = string(def)
	}
	for _, c := range controllers {
		if c.ID == binding || string(c.Type) == binding {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownController, binding)
}

// Metrics receives controller bank counters.
type Metrics interface {
	ObserveAlarm(severity, code string)
	ObserveSinkError(sink string)
}

// Bank runs every controller once per step and keeps their private state.
// A Bank belongs to a single run loop and is not safe for concurrent use.
type Bank struct {
	controllers []Controller
	params      Params
	rng         *rand.Rand
	states      map[string]State

	runID   string
	sink    alarm.Sink
	log     logging.Logger
	metrics Metrics
	now     func() time.Time
}

// BankOption customises a Bank.
type BankOption func(*Bank)

// WithAlarmSink sets where alarms are raised.
func WithAlarmSink(s alarm.Sink) BankOption {
	return func(b *Bank) { b.sink = s }
}

// WithLogger sets the bank logger.
func WithLogger(l logging.Logger) BankOption {
	return func(b *Bank) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) BankOption {
	return func(b *Bank) { b.metrics = m }
}

// WithRunID stamps raised alarms with the run ID.
func WithRunID(id string) BankOption {
	return func(b *Bank) { b.runID = id }
}

// NewBank builds a bank for the given controllers. rng drives the
// stochastic controllers; nil disables them.
func NewBank(controllers []Controller, params Params, rng *rand.Rand, opts ...BankOption) *Bank {
	b := &Bank{
		controllers: append([]Controller(nil), controllers...),
		params:      params,
		rng:         rng,
		states:      make(map[string]State, len(controllers)),
		log:         logging.Noop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Controllers returns the controllers in scan order.
func (b *Bank) Controllers() []Controller {
	return append([]Controller(nil), b.controllers...)
}

// State returns the private state of a controller.
func (b *Bank) State(controllerID string) State {
	return b.states[controllerID]
}

// Scan evaluates every controller against the readings and returns their
// outputs keyed by controller ID. Alarm delivery failures are logged and
// never fail the scan.
func (b *Bank) Scan(ctx context.Context, snap *kb.Snapshot, readings sensor.Readings, step int, simTime float64) map[string]Outputs {
	out := make(map[string]Outputs, len(b.controllers))
	for _, c := range b.controllers {
		in := Input{Readings: readings, Rand: b.rng}
		if n, ok := snap.Node(c.NodeID); ok {
			in.Node = *n
		}
		for i := range snap.Compressors {
			if snap.Compressors[i].ControllerID == c.ID {
				comp := snap.Compressors[i]
				in.Compressor = &comp
				break
			}
		}
		for _, v := range snap.Valves {
			if v.ControllerID == c.ID {
				in.Valves = append(in.Valves, v)
			}
		}

		outputs, next, alarms := Evaluate(c, b.params, in, b.states[c.ID])
		b.states[c.ID] = next
		out[c.ID] = outputs

		for _, a := range alarms {
			b.raise(ctx, alarm.Alarm{
				RunID:        b.runID,
				ControllerID: c.ID,
				Code:         a.Code,
				Severity:     a.Severity,
				Message:      a.Message,
				Step:         step,
				SimTime:      simTime,
				RaisedAt:     b.now(),
			})
		}
	}
	return out
}

func (b *Bank) raise(ctx context.Context, a alarm.Alarm) {
	if b.metrics != nil {
		b.metrics.ObserveAlarm(string(a.Severity), a.Code)
	}
	if b.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.sinkFailed(ctx, a, fmt.Errorf("alarm sink panic: %v", r))
		}
	}()
	if err := b.sink.Raise(ctx, a); err != nil {
		b.sinkFailed(ctx, a, err)
	}
}

func (b *Bank) sinkFailed(ctx context.Context, a alarm.Alarm, err error) {
	if b.metrics != nil {
		b.metrics.ObserveSinkError("alarm")
	}
	b.log.Warn(ctx, "alarm sink failed",
		logging.String("controller_id", a.ControllerID),
		logging.String("code", a.Code),
		logging.Err(err),
	)
}

// BoundCompressorTarget extracts the compressor command and target speed
// from a COMPRESSOR_MANAGEMENT output set.
func BoundCompressorTarget(out Outputs) (model.CompressorCommand, float64, bool) {
	cmd, ok := out.String(KeyCompressorCommand)
	if !ok {
		return "", 0, false
	}
	speed, _ := out.Float(KeyCompressorTargetSpeed)
	return model.CompressorCommand(cmd), speed, true
}
