package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metricsStub struct {
	mu      sync.Mutex
	errors  int
	dropped int
}

func (m *metricsStub) ObserveSinkError(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *metricsStub) ObserveDroppedRecords(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped += n
}

func batch(step int) []Record {
	return []Record{
		{RunID: "r", Kind: KindNodeState, Step: step, ObjectID: "n1", Fields: map[string]any{"pressure": 50.0}},
		{RunID: "r", Kind: KindPipeState, Step: step, ObjectID: "p1", Fields: map[string]any{"flow": 12.0}},
	}
}

func TestMemoryFilter(t *testing.T) {
	mem := NewMemory()
	require.NoError(t, mem.Write(context.Background(), batch(1)))
	require.NoError(t, mem.Write(context.Background(), batch(2)))

	nodes := mem.Filter(KindNodeState, "n1")
	require.Len(t, nodes, 2)
	assert.Equal(t, 2, nodes[1].Step)
	assert.Len(t, mem.Records(), 4)
}

func TestFanoutJoinsErrors(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("boom")
	f := Fanout{mem, WriterFunc(func(context.Context, []Record) error { return boom }), nil}

	err := f.Write(context.Background(), batch(1))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mem.Records(), 2, "healthy writers still receive the batch")
}

func TestAsyncDeliversAndCountsFailures(t *testing.T) {
	mem := NewMemory()
	metrics := &metricsStub{}
	calls := 0
	flaky := WriterFunc(func(ctx context.Context, r []Record) error {
		calls++
		if calls == 2 {
			return errors.New("transient")
		}
		return mem.Write(ctx, r)
	})
	a := NewAsync(flaky, WithName("test"), WithBuffer(8), WithMetrics(metrics))

	for step := 1; step <= 3; step++ {
		require.NoError(t, a.Write(context.Background(), batch(step)))
	}
	require.NoError(t, a.Write(context.Background(), nil))
	require.NoError(t, a.Close(context.Background()))

	assert.Len(t, mem.Records(), 4)
	assert.Equal(t, 1, metrics.errors)
	assert.Equal(t, int64(2), a.Stats().Delivered)
}

func TestAsyncDropsWhenClosed(t *testing.T) {
	metrics := &metricsStub{}
	a := NewAsync(Discard, WithMetrics(metrics))
	require.NoError(t, a.Close(context.Background()))

	require.NoError(t, a.Write(context.Background(), batch(1)))
	assert.Equal(t, 2, metrics.dropped)
}
