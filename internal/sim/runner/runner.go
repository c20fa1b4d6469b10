// Package runner owns the lifecycle of simulation runs: validation, the
// single-active-run guarantee, the paced step loop and cooperative stop.
package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/gasnet-twin/core"
	"github.com/signalsfoundry/gasnet-twin/core/control"
	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/internal/command"
	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/observability"
	"github.com/signalsfoundry/gasnet-twin/internal/sink"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/timectrl"
)

// Topology resolves a network name to its knowledge base.
type Topology interface {
	Topology(name string) (*kb.KnowledgeBase, error)
}

// Scenario carries per-network run inputs that live outside the topology.
type Scenario struct {
	Placement map[control.Type]string
	Commands  []command.Command
}

// Config holds the run defaults.
type Config struct {
	Seed          uint64
	Mode          timectrl.Mode
	StopTimeout   time.Duration
	ProgressEvery int
	Noise         sensor.Noise
	Params        control.Params
	PhysicsParams core.PhysicsParams
	// Physics, when set, builds the physics model for each run.
	Physics func(seed uint64) core.PhysicsModel
}

// DefaultConfig returns the stock run settings.
func DefaultConfig() Config {
	return Config{
		Seed:          1,
		Mode:          timectrl.RealTime,
		StopTimeout:   10 * time.Second,
		ProgressEvery: 60,
		Noise:         sensor.DefaultNoise(),
		Params:        control.DefaultParams(),
		PhysicsParams: core.DefaultPhysicsParams(),
	}
}

// Metrics receives run level observations.
type Metrics interface {
	core.Metrics
	ObserveOverrun()
	ObserveSetpoint(field string)
	ObserveRunStatus(status string)
	SetRunActive(active bool)
}

// Manager starts and stops simulation runs. At most one run is active.
type Manager struct {
	topo      Topology
	cfg       Config
	records   sink.Writer
	alarms    alarm.Sink
	log       logging.Logger
	metrics   Metrics
	wall      timectrl.WallClock
	newID     func() string
	scenarios map[string]Scenario

	active atomic.Pointer[activeRun]

	mu   sync.RWMutex
	runs map[string]*runState
	ids  []string
}

type runState struct {
	mu  sync.RWMutex
	run Run
}

func (s *runState) snapshot() Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.run
}

func (s *runState) update(fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.run)
}

type activeRun struct {
	state    *runState
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (a *activeRun) requestStop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Option customises a Manager.
type Option func(*Manager)

// WithConfig replaces the run defaults.
func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

// WithRecordWriter sets the persistence sink for step records.
func WithRecordWriter(w sink.Writer) Option {
	return func(m *Manager) {
		if w != nil {
			m.records = w
		}
	}
}

// WithAlarmSink sets the alarm sink.
func WithAlarmSink(s alarm.Sink) Option { return func(m *Manager) { m.alarms = s } }

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Metrics) Option { return func(m *Manager) { m.metrics = r } }

// WithWallClock replaces the clock used for pacing.
func WithWallClock(c timectrl.WallClock) Option { return func(m *Manager) { m.wall = c } }

// WithIDGenerator replaces the run ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithScenario registers placement and scheduled commands for a network.
func WithScenario(network string, s Scenario) Option {
	return func(m *Manager) { m.scenarios[network] = s }
}

// NewManager constructs a Manager over topo.
func NewManager(topo Topology, opts ...Option) *Manager {
	m := &Manager{
		topo:      topo,
		cfg:       DefaultConfig(),
		records:   sink.Discard,
		log:       logging.Noop(),
		newID:     uuid.NewString,
		scenarios: make(map[string]Scenario),
		runs:      make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the request, claims the active slot and launches the
// step loop. The returned Run is RUNNING.
func (m *Manager) Start(ctx context.Context, network string, duration, timeStep time.Duration) (Run, error) {
	if network == "" {
		return Run{}, fmt.Errorf("%w: network name is required", ErrValidation)
	}
	if duration <= 0 {
		return Run{}, fmt.Errorf("%w: duration must be positive, got %s", ErrValidation, duration)
	}
	if timeStep <= 0 {
		return Run{}, fmt.Errorf("%w: time_step must be positive, got %s", ErrValidation, timeStep)
	}
	store, err := m.topo.Topology(network)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	state := &runState{run: Run{
		ID:        m.newID(),
		Network:   network,
		Duration:  duration,
		TimeStep:  timeStep,
		Seed:      m.cfg.Seed,
		Status:    StatusCreated,
		MaxSteps:  maxSteps(duration, timeStep),
		CreatedAt: time.Now(),
	}}
	a := &activeRun{state: state, stop: make(chan struct{}), done: make(chan struct{})}
	if !m.active.CompareAndSwap(nil, a) {
		return Run{}, ErrConcurrencyConflict
	}
	runID := state.run.ID

	loopCtx, log := logging.WithRunLogger(context.WithoutCancel(ctx), m.log, runID)

	scenario := m.scenarios[network]
	engineCfg := core.EngineConfig{
		RunID:         runID,
		TimeStep:      timeStep,
		Seed:          m.cfg.Seed,
		Noise:         m.cfg.Noise,
		Params:        m.cfg.Params,
		Placement:     scenario.Placement,
		PhysicsParams: m.cfg.PhysicsParams,
	}
	if m.cfg.Physics != nil {
		engineCfg.Physics = m.cfg.Physics(m.cfg.Seed)
	}
	engineOpts := []core.EngineOption{core.WithRecordWriter(m.records), core.WithLogger(log)}
	if m.alarms != nil {
		engineOpts = append(engineOpts, core.WithAlarmSink(m.alarms))
	}
	if m.metrics != nil {
		engineOpts = append(engineOpts, core.WithMetrics(m.metrics))
	}
	engine, err := core.NewSimulationEngine(store, engineCfg, engineOpts...)
	if err != nil {
		m.active.Store(nil)
		return Run{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	m.mu.Lock()
	m.runs[runID] = state
	m.ids = append(m.ids, runID)
	m.mu.Unlock()

	state.update(func(r *Run) {
		r.Status = StatusRunning
		r.StartedAt = time.Now()
	})
	m.observeStatus(StatusRunning)
	if m.metrics != nil {
		m.metrics.SetRunActive(true)
	}

	log.Info(loopCtx, "simulation run started",
		logging.String("network", network),
		logging.Duration("duration", duration),
		logging.Duration("time_step", timeStep),
		logging.Int("max_steps", state.run.MaxSteps),
		logging.Int("controllers", len(engine.Controllers())),
		logging.Int("sensors", len(engine.Sensors())),
	)

	go m.loop(loopCtx, log, a, engine, command.NewSchedule(scenario.Commands))
	return state.snapshot(), nil
}

func (m *Manager) loop(ctx context.Context, log logging.Logger, a *activeRun, engine *core.SimulationEngine, schedule *command.Schedule) {
	defer close(a.done)
	defer func() {
		m.active.CompareAndSwap(a, nil)
		if m.metrics != nil {
			m.metrics.SetRunActive(false)
		}
	}()

	run := a.state.snapshot()
	ctx, span := observability.StartRunSpan(ctx, run.ID, run.Network, run.MaxSteps)
	defer func() {
		final := a.state.snapshot()
		observability.EndRunSpan(span, string(final.Status), final.TotalSteps, final.LastError)
	}()

	unsubscribe := engine.KB.Subscribe(func(ev kb.Event) { m.observeSetpoint(ctx, log, ev) })
	defer unsubscribe()

	engine.RegisterTickListener(func(res core.StepResult) {
		a.state.update(func(r *Run) { r.TotalSteps = res.Step })
		for _, d := range res.Compressors {
			if d.Previous.Status != d.State.Status {
				log.Info(ctx, "compressor status changed",
					logging.String("compressor_id", d.CompressorID),
					logging.String("from", string(d.Previous.Status)),
					logging.String("to", string(d.State.Status)),
					logging.Int("step", res.Step),
				)
			}
		}
	})

	var clockOpts []timectrl.Option
	if m.wall != nil {
		clockOpts = append(clockOpts, timectrl.WithWallClock(m.wall))
	}
	tc := timectrl.NewTimeController(time.Time{}, run.TimeStep, m.cfg.Mode, clockOpts...)
	if every := m.cfg.ProgressEvery; every > 0 {
		tc.AddListener(func(time.Time) {
			if step := tc.Steps(); step%every == 0 {
				log.Info(ctx, "simulation progress",
					logging.Int("step", step),
					logging.Int("max_steps", run.MaxSteps),
					logging.Duration("sim_time", tc.Elapsed()),
				)
			}
		})
	}

	for step := 1; step <= run.MaxSteps; step++ {
		select {
		case <-a.stop:
			m.finish(ctx, log, a.state, StatusStopped, nil)
			return
		default:
		}

		for _, cmd := range schedule.Due(time.Duration(step) * run.TimeStep) {
			if err := cmd.Apply(engine.KB); err != nil {
				log.Warn(ctx, "scheduled command rejected", logging.String("command", cmd.String()), logging.Err(err))
				continue
			}
			log.Info(ctx, "scheduled command applied", logging.String("command", cmd.String()))
		}

		started := tc.WallNow()
		if _, err := engine.Step(ctx, step); err != nil {
			m.finish(ctx, log, a.state, StatusFailed, &StepError{Step: step, Err: err})
			return
		}
		tc.Advance()

		overrun, stopped := tc.Pace(started, a.stop)
		if overrun {
			a.state.update(func(r *Run) { r.Overruns++ })
			if m.metrics != nil {
				m.metrics.ObserveOverrun()
			}
		}
		if stopped {
			m.finish(ctx, log, a.state, StatusStopped, nil)
			return
		}
	}
	m.finish(ctx, log, a.state, StatusCompleted, nil)
}

func (m *Manager) finish(ctx context.Context, log logging.Logger, s *runState, status Status, err error) {
	s.update(func(r *Run) {
		r.Status = status
		r.EndedAt = time.Now()
		if err != nil {
			r.LastError = err.Error()
		}
	})
	m.observeStatus(status)

	run := s.snapshot()
	fields := []logging.Field{
		logging.String("status", string(status)),
		logging.Int("total_steps", run.TotalSteps),
		logging.Int("overruns", run.Overruns),
		logging.Duration("wall_time", run.EndedAt.Sub(run.StartedAt)),
	}
	if err != nil {
		log.Error(ctx, "simulation run failed", append(fields, logging.Err(err))...)
		return
	}
	log.Info(ctx, "simulation run finished", fields...)
}

// observeSetpoint records an operator or scheduled setpoint write made
// while the run is active.
func (m *Manager) observeSetpoint(ctx context.Context, log logging.Logger, ev kb.Event) {
	if ev.Type != kb.EventSetpointChanged {
		return
	}
	fields := []logging.Field{
		logging.String("object_id", ev.ObjectID),
		logging.String("field", ev.Field),
	}
	if ev.Field == "set_command" {
		fields = append(fields, logging.String("value", string(ev.Command)))
	} else {
		fields = append(fields, logging.Float("value", ev.Value))
	}
	log.Info(ctx, "setpoint changed", fields...)
	if m.metrics != nil {
		m.metrics.ObserveSetpoint(ev.Field)
	}
}

func (m *Manager) observeStatus(s Status) {
	if m.metrics != nil {
		m.metrics.ObserveRunStatus(string(s))
	}
}

// Stop asks the active run to end at the next step boundary and waits up
// to the configured stop timeout, or until ctx ends.
func (m *Manager) Stop(ctx context.Context) (Run, error) {
	a := m.active.Load()
	if a == nil {
		return Run{}, ErrNoActiveRun
	}
	a.requestStop()

	timeout := m.cfg.StopTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().StopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-a.done:
		return a.state.snapshot(), nil
	case <-timer.C:
		return a.state.snapshot(), ErrStopTimeout
	case <-ctx.Done():
		return a.state.snapshot(), fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// Wait blocks until the run with the given ID is no longer active or ctx
// ends.
func (m *Manager) Wait(ctx context.Context, id string) (Run, error) {
	if a := m.active.Load(); a != nil && a.state.snapshot().ID == id {
		select {
		case <-a.done:
		case <-ctx.Done():
			return a.state.snapshot(), ctx.Err()
		}
	}
	return m.Status(id)
}

// Status returns the current view of a run.
func (m *Manager) Status(id string) (Run, error) {
	m.mu.RLock()
	s, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return s.snapshot(), nil
}

// Active returns the active run, if any.
func (m *Manager) Active() (Run, bool) {
	a := m.active.Load()
	if a == nil {
		return Run{}, false
	}
	return a.state.snapshot(), true
}

// Runs lists every run started by this manager, oldest first.
func (m *Manager) Runs() []Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.runs[id].snapshot())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
