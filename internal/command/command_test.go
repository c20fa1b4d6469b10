package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gasnet-twin/kb"
	"github.com/signalsfoundry/gasnet-twin/model"
)

func TestScheduleReleasesInOrder(t *testing.T) {
	s := NewSchedule([]Command{
		{At: 2 * time.Second, Target: NodePressure, ObjectID: "b"},
		{At: time.Second, Target: NodePressure, ObjectID: "a"},
		{At: 2 * time.Second, Target: NodeFlow, ObjectID: "c"},
	})

	assert.Empty(t, s.Due(500*time.Millisecond))
	due := s.Due(time.Second)
	require.Len(t, due, 1)
	assert.Equal(t, "a", due[0].ObjectID)

	due = s.Due(5 * time.Second)
	require.Len(t, due, 2)
	assert.Equal(t, "b", due[0].ObjectID, "ties keep file order")
	assert.Equal(t, 0, s.Pending())
	assert.Empty(t, s.Due(10*time.Second))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Command{Target: CompressorCommand, ObjectID: "c1", Command: "ON"}.Validate())
	assert.ErrorIs(t, Command{Target: CompressorCommand, ObjectID: "c1", Command: "TURBO"}.Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, Command{Target: "pump", ObjectID: "x"}.Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, Command{Target: NodeFlow}.Validate(), ErrInvalidCommand)
	assert.ErrorIs(t, Command{At: -time.Second, Target: NodeFlow, ObjectID: "x"}.Validate(), ErrInvalidCommand)
}

func TestApplyUsesSetpointPath(t *testing.T) {
	store, err := kb.New(model.Network{
		Name:        "n",
		Nodes:       []model.Node{{ID: "src", Type: model.NodeSource, PressureMin: 1, PressureMax: 81, FlowMax: 500, SetPressure: 1}},
		Pipes:       []model.Pipe{{ID: "p", FromNode: "src", ToNode: "src"}},
		Valves:      []model.Valve{{ID: "v", PipeID: "p", Position: 50, SetPosition: model.NoOverride}},
		Compressors: []model.Compressor{{ID: "c", NodeID: "src", MaxSpeed: 3000, SetSpeed: model.NoOverride}},
	})
	require.NoError(t, err)

	for _, c := range []Command{
		{Target: NodePressure, ObjectID: "src", Value: 60},
		{Target: NodeFlow, ObjectID: "src", Value: 120},
		{Target: ValvePosition, ObjectID: "v", Value: 30},
		{Target: CompressorCommand, ObjectID: "c", Command: "ON"},
		{Target: CompressorSpeed, ObjectID: "c", Value: 2000},
	} {
		require.NoError(t, c.Apply(store), c.String())
	}

	n, _ := store.Node("src")
	assert.Equal(t, 60.0, n.SetPressure)
	assert.Equal(t, 120.0, n.SetFlow)
	v, _ := store.Valve("v")
	assert.Equal(t, 30.0, v.SetPosition)
	c, _ := store.Compressor("c")
	assert.Equal(t, model.CommandOn, c.SetCommand)
	assert.Equal(t, 2000.0, c.SetSpeed)

	assert.ErrorIs(t, Command{Target: NodePressure, ObjectID: "src", Value: 500}.Apply(store), kb.ErrInvalidSetpoint)
}
