package control

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gasnet-twin/core/sensor"
	"github.com/signalsfoundry/gasnet-twin/internal/alarm"
	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

func bankTopology(t *testing.T) *kb.KnowledgeBase {
	t.Helper()
	store, err := kb.New(model.Network{
		Name: "bank",
		Nodes: []model.Node{
			{ID: "a", Type: model.NodeSource, PressureMin: 1, PressureMax: 81, FlowMax: 500, SetPressure: 50},
			{ID: "b", Type: model.NodeJunction, PressureMin: 1, PressureMax: 81, SetPressure: 1},
			{ID: "c", Type: model.NodeSink, PressureMin: 1, PressureMax: 81, FlowMax: 500, SetPressure: 1, SetFlow: 80},
		},
		Pipes:       []model.Pipe{{ID: "p1", FromNode: "a", ToNode: "b"}, {ID: "p2", FromNode: "b", ToNode: "c"}},
		Valves:      []model.Valve{{ID: "v1", PipeID: "p1", Position: 50, SetPosition: model.NoOverride}},
		Compressors: []model.Compressor{{ID: "c1", NodeID: "b", MaxSpeed: 3000, SetSpeed: model.NoOverride}},
	})
	require.NoError(t, err)
	return store
}

func TestPlaceRoundRobin(t *testing.T) {
	snap := bankTopology(t).Snapshot()

	ctrls, err := Place(snap, nil)
	require.NoError(t, err)
	require.Len(t, ctrls, len(Types))

	nodes := map[Type]string{}
	for _, c := range ctrls {
		nodes[c.Type] = c.NodeID
		assert.Equal(t, ID(c.Type, c.NodeID), c.ID)
	}
	assert.Equal(t, "a", nodes[PressureControl])
	assert.Equal(t, "b", nodes[FlowRegulation])
	assert.Equal(t, "b", nodes[CompressorManagement], "placed on the compressor node")
	assert.Equal(t, "a", nodes[ValveControl], "wraps after the last node")
	assert.Equal(t, "b", nodes[EmergencyShutdown])
}

func TestPlaceExplicit(t *testing.T) {
	snap := bankTopology(t).Snapshot()

	ctrls, err := Place(snap, map[Type]string{PressureControl: "c"})
	require.NoError(t, err)
	assert.Equal(t, "PLC_PRESSURE_CONTROL_c", ctrls[0].ID)

	_, err = Place(snap, map[Type]string{PressureControl: "zz"})
	assert.ErrorIs(t, err, ErrBadPlacement)
	_, err = Place(snap, map[Type]string{"NOPE": "a"})
	assert.ErrorIs(t, err, ErrBadPlacement)
	_, err = Place(&kb.Snapshot{}, nil)
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestResolveBinding(t *testing.T) {
	ctrls, err := Place(bankTopology(t).Snapshot(), nil)
	require.NoError(t, err)

	id, err := ResolveBinding(ctrls, "", CompressorManagement)
	require.NoError(t, err)
	assert.Equal(t, "PLC_COMPRESSOR_MANAGEMENT_b", id)

	id, err = ResolveBinding(ctrls, "VALVE_CONTROL", "")
	require.NoError(t, err)
	assert.Equal(t, "PLC_VALVE_CONTROL_a", id)

	id, err = ResolveBinding(ctrls, "", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = ResolveBinding(ctrls, "PLC_MISSING", "")
	assert.ErrorIs(t, err, ErrUnknownController)
}

type countingMetrics struct {
	alarms     map[string]int
	sinkErrors int
}

func (m *countingMetrics) ObserveAlarm(severity, code string) {
	if m.alarms == nil {
		m.alarms = map[string]int{}
	}
	m.alarms[code]++
}

func (m *countingMetrics) ObserveSinkError(string) { m.sinkErrors++ }

func TestBankScanStampsAlarms(t *testing.T) {
	store := bankTopology(t)
	snap := store.Snapshot()
	ctrls, err := Place(snap, nil)
	require.NoError(t, err)

	mem := alarm.NewMemory()
	metrics := &countingMetrics{}
	bank := NewBank(ctrls, DefaultParams(), nil, WithAlarmSink(mem), WithRunID("run-1"), WithMetrics(metrics))

	readings := sensor.Readings{sensor.PressureID("a"): 85}
	out := bank.Scan(context.Background(), snap, readings, 7, 0.7)

	require.Len(t, out, len(Types))
	stop, _ := out[ID(EmergencyShutdown, "b")].Bool(KeyEmergencyStop)
	assert.True(t, stop)

	var esd *alarm.Alarm
	for _, a := range mem.Alarms() {
		if a.Code == "EMERGENCY_STOP" {
			a := a
			esd = &a
		}
	}
	require.NotNil(t, esd)
	assert.Equal(t, "run-1", esd.RunID)
	assert.Equal(t, 7, esd.Step)
	assert.Equal(t, 0.7, esd.SimTime)
	assert.Equal(t, 1, metrics.alarms["EMERGENCY_STOP"])
}

func TestBankScanSwallowsSinkFailures(t *testing.T) {
	snap := bankTopology(t).Snapshot()
	ctrls, err := Place(snap, nil)
	require.NoError(t, err)
	readings := sensor.Readings{sensor.PressureID("a"): 85}

	metrics := &countingMetrics{}
	failing := alarm.SinkFunc(func(context.Context, alarm.Alarm) error { return errors.New("down") })
	bank := NewBank(ctrls, DefaultParams(), nil, WithAlarmSink(failing), WithMetrics(metrics))
	assert.NotPanics(t, func() { bank.Scan(context.Background(), snap, readings, 1, 0.1) })
	assert.Positive(t, metrics.sinkErrors)

	panicking := alarm.SinkFunc(func(context.Context, alarm.Alarm) error { panic("boom") })
	bank = NewBank(ctrls, DefaultParams(), nil, WithAlarmSink(panicking))
	assert.NotPanics(t, func() { bank.Scan(context.Background(), snap, readings, 1, 0.1) })
}

func TestBankKeepsControllerState(t *testing.T) {
	snap := bankTopology(t).Snapshot()
	ctrls, err := Place(snap, nil)
	require.NoError(t, err)
	bank := NewBank(ctrls, DefaultParams(), nil)

	readings := sensor.Readings{sensor.PressureID("a"): 48}
	bank.Scan(context.Background(), snap, readings, 1, 0.1)
	bank.Scan(context.Background(), snap, readings, 2, 0.2)

	st := bank.State(ID(PressureControl, "a"))
	assert.InDelta(t, 0.4, st.Integral, 1e-12)
}
