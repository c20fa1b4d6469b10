package alarm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
)

func TestFanoutTriesEverySink(t *testing.T) {
	a, b := NewMemory(), NewMemory()
	boom := errors.New("boom")
	f := Fanout{a, SinkFunc(func(context.Context, Alarm) error { return boom }), b}

	err := f.Raise(context.Background(), Alarm{Code: "GAS_LEAK", Severity: SeverityCritical})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.Alarms(), 1)
	assert.Len(t, b.Alarms(), 1)
}

func TestLogSinkWritesWarning(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Format: "json", Output: &buf})

	require.NoError(t, NewLog(log).Raise(context.Background(), Alarm{
		ControllerID: "PLC_LEAK_DETECTION_n1", Code: "GAS_LEAK", Severity: SeverityCritical,
	}))

	out := buf.String()
	assert.True(t, strings.Contains(out, `"level":"WARN"`), out)
	assert.Contains(t, out, `"code":"GAS_LEAK"`)
}

func TestAsyncDelivers(t *testing.T) {
	mem := NewMemory()
	async := NewAsync(mem, 4, nil, nil)
	for range 3 {
		require.NoError(t, async.Raise(context.Background(), Alarm{Code: "X"}))
	}
	require.NoError(t, async.Close(context.Background()))
	assert.Len(t, mem.Alarms(), 3)

	assert.ErrorIs(t, async.Raise(context.Background(), Alarm{}), ErrDropped)
}

func TestAsyncReportsFailures(t *testing.T) {
	failures := make(chan error, 1)
	async := NewAsync(SinkFunc(func(context.Context, Alarm) error { return errors.New("down") }), 1, nil,
		func(err error) { failures <- err })
	require.NoError(t, async.Raise(context.Background(), Alarm{}))
	require.NoError(t, async.Close(context.Background()))
	assert.Error(t, <-failures)
}
