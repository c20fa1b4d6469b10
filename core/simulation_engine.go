package core

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
	"github.com/signalsfoundry/gasnet-twin/kb"
)

const tracerName = "github.com/signalsfoundry/gasnet-twin/core"

// ErrInvalidTimeStep is returned for a non-positive time step.
var ErrInvalidTimeStep = errors.New("core: time step must be positive")

// Metrics receives per-step engine observations.
type Metrics interface {
	control.Metrics
	ObserveStep(d time.Duration)
	SetNodePressure(nodeID string, bar float64)
	SetValvePosition(valveID string, pct float64)
	SetCompressorSpeed(compressorID string, rpm float64)
}

// EngineConfig describes one run of the engine.
type EngineConfig struct {
	RunID     string
	TimeStep  time.Duration
	Seed      uint64
	Noise     sensor.Noise
	Params    control.Params
	Placement map[control.Type]string
	// Physics replaces the proxy model when set.
	Physics       PhysicsModel
	PhysicsParams PhysicsParams
}

// StepResult summarises one executed step.
type StepResult struct {
	Step        int
	SimTime     float64
	Readings    sensor.Readings
	Outputs     map[string]control.Outputs
	Valves      []ValveDecision
	Compressors []CompressorDecision
	Records     int
	Duration    time.Duration
}

// SimulationEngine runs the per-step pipeline sensors, controllers,
// arbitration, physics and persistence against one topology. It belongs
// to a single run loop.
type SimulationEngine struct {
	KB *kb.KnowledgeBase

	cfg         EngineConfig
	sensors     *sensor.Layer
	bank        *control.Bank
	valves      *ValveArbiter
	compressors *CompressorArbiter
	physics     PhysicsModel

	records sink.Writer
	log     logging.Logger
	metrics Metrics
	tracer  trace.Tracer
	now     func() time.Time

	tickListeners []func(StepResult)
}

// EngineOption customises a SimulationEngine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	records sink.Writer
	alarms  alarm.Sink
	log     logging.Logger
	metrics Metrics
	now     func() time.Time
}

// WithRecordWriter sets where step records go.
func WithRecordWriter(w sink.Writer) EngineOption {
	return func(o *engineOptions) { o.records = w }
}

// WithAlarmSink sets where controller alarms go.
func WithAlarmSink(s alarm.Sink) EngineOption {
	return func(o *engineOptions) { o.alarms = s }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) EngineOption {
	return func(o *engineOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) EngineOption {
	return func(o *engineOptions) { o.metrics = m }
}

// WithClock overrides the wall clock used to stamp records.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewSimulationEngine places controllers, binds actuators and prepares the
// sensor layer for a run over store.
func NewSimulationEngine(store *kb.KnowledgeBase, cfg EngineConfig, opts ...EngineOption) (*SimulationEngine, error) {
	if cfg.TimeStep <= 0 {
		return nil, ErrInvalidTimeStep
	}
	o := engineOptions{records: sink.Discard, log: logging.Noop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	snap := store.Snapshot()
	controllers, err := control.Place(snap, cfg.Placement)
	if err != nil {
		return nil, err
	}
	if err := bindActuators(store, snap, controllers); err != nil {
		return nil, err
	}

	// Independent streams keep each stage reproducible on its own.
	stream := func(k uint64) *rand.Rand { return rand.New(rand.NewPCG(cfg.Seed, k)) }

	bankOpts := []control.BankOption{control.WithRunID(cfg.RunID), control.WithLogger(o.log)}
	if o.alarms != nil {
		bankOpts = append(bankOpts, control.WithAlarmSink(o.alarms))
	}
	if o.metrics != nil {
		bankOpts = append(bankOpts, control.WithMetrics(o.metrics))
	}

	physics := cfg.Physics
	if physics == nil {
		physics = NewProxyPhysics(cfg.PhysicsParams, stream(4))
	}

	return &SimulationEngine{
		KB:          store,
		cfg:         cfg,
		sensors:     sensor.NewLayer(sensor.Define(snap), cfg.Noise, stream(1)),
		bank:        control.NewBank(controllers, cfg.Params, stream(2), bankOpts...),
		valves:      NewValveArbiter(stream(3)),
		compressors: NewCompressorArbiter(cfg.Params.Compressor.NominalSpeed),
		physics:     physics,
		records:     o.records,
		log:         o.log,
		metrics:     o.metrics,
		tracer:      otel.Tracer(tracerName),
		now:         o.now,
	}, nil
}

// bindActuators resolves the controller binding of every valve and
// compressor. Compressors without a binding follow COMPRESSOR_MANAGEMENT.
func bindActuators(store *kb.KnowledgeBase, snap *kb.Snapshot, controllers []control.Controller) error {
	for _, v := range snap.Valves {
		id, err := control.ResolveBinding(controllers, v.ControllerID, "")
		if err != nil {
			return fmt.Errorf("valve %s: %w", v.ID, err)
		}
		if err := store.BindValve(v.ID, id); err != nil {
			return err
		}
	}
	for _, c := range snap.Compressors {
		id, err := control.ResolveBinding(controllers, c.ControllerID, control.CompressorManagement)
		if err != nil {
			return fmt.Errorf("compressor %s: %w", c.ID, err)
		}
		if err := store.BindCompressor(c.ID, id); err != nil {
			return err
		}
	}
	return nil
}

// Controllers returns the placed controllers.
func (se *SimulationEngine) Controllers() []control.Controller { return se.bank.Controllers() }

// Sensors returns the sensor definitions.
func (se *SimulationEngine) Sensors() []sensor.Sensor { return se.sensors.Sensors() }

// TimeStep returns the configured step length.
func (se *SimulationEngine) TimeStep() time.Duration { return se.cfg.TimeStep }

// RegisterTickListener registers fn to be called after every successful
// step.
func (se *SimulationEngine) RegisterTickListener(fn func(StepResult)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Step executes step number step (1-based). A panic in any stage is
// returned as an error. Record sink failures are logged and do not fail
// the step.
func (se *SimulationEngine) Step(ctx context.Context, step int) (res StepResult, err error) {
	started := se.now()
	simTime := float64(step) * se.cfg.TimeStep.Seconds()

	ctx, span := se.tracer.Start(ctx, "simulation.step", trace.WithAttributes(
		attribute.String("run_id", se.cfg.RunID),
		attribute.Int("step", step),
		attribute.Float64("sim_time", simTime),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in step %d: %v", step, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	dt := se.cfg.TimeStep.Seconds()
	snap := se.KB.Snapshot()

	readings := se.sensors.Observe(snap, simTime)
	outputs := se.bank.Scan(ctx, snap, readings, step, simTime)
	valves := se.valves.Step(snap, outputs)
	compressors := se.compressors.Step(snap, outputs, dt)
	if err := se.physics.Update(snap, dt); err != nil {
		return res, fmt.Errorf("physics: %w", err)
	}
	se.KB.Commit(snap)

	res = StepResult{
		Step:        step,
		SimTime:     simTime,
		Readings:    readings,
		Outputs:     outputs,
		Valves:      valves,
		Compressors: compressors,
	}
	records := se.buildRecords(snap, res)
	res.Records = len(records)
	if err := se.records.Write(ctx, records); err != nil {
		if se.metrics != nil {
			se.metrics.ObserveSinkError("records")
		}
		se.log.Warn(ctx, "record sink write failed", logging.Int("step", step), logging.Err(err))
	}

	res.Duration = se.now().Sub(started)
	se.observe(snap, res)
	span.SetAttributes(attribute.Int("records", res.Records))

	for _, fn := range se.tickListeners {
		fn(res)
	}
	return res, nil
}

func (se *SimulationEngine) observe(snap *kb.Snapshot, res StepResult) {
	if se.metrics == nil {
		return
	}
	se.metrics.ObserveStep(res.Duration)
	for _, n := range snap.Nodes {
		se.metrics.SetNodePressure(n.ID, n.CurrentPressure)
	}
	for _, v := range snap.Valves {
		se.metrics.SetValvePosition(v.ID, v.Position)
	}
	for _, d := range res.Compressors {
		se.metrics.SetCompressorSpeed(d.CompressorID, d.State.Speed)
	}
}
