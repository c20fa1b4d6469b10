// Package sink carries per-step simulation records to persistence backends.
package sink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/queue"
)

// Kind classifies a record.
type Kind string

const (
	KindSensorReading   Kind = "sensor_reading"
	KindPLCOutput       Kind = "plc_output"
	KindNodeState       Kind = "node_state"
	KindPipeState       Kind = "pipe_state"
	KindCompressorState Kind = "compressor_state"
	KindValveState      Kind = "valve_state"
)

// Kinds lists every record kind.
var Kinds = []Kind{
	KindSensorReading, KindPLCOutput, KindNodeState,
	KindPipeState, KindCompressorState, KindValveState,
}

// Record is one time-series point. Fields hold float64, bool or string
// values.
type Record struct {
	RunID     string
	Kind      Kind
	Step      int
	SimTime   float64
	Timestamp time.Time
	ObjectID  string
	Fields    map[string]any
}

// Writer persists the records produced by one step.
type Writer interface {
	Write(ctx context.Context, records []Record) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, records []Record) error

// Write implements Writer.
func (f WriterFunc) Write(ctx context.Context, records []Record) error { return f(ctx, records) }

// Discard drops every record.
var Discard Writer = WriterFunc(func(context.Context, []Record) error { return nil })

// Memory keeps records in memory. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory constructs an empty in-memory writer.
func NewMemory() *Memory { return &Memory{} }

// Write implements Writer.
func (m *Memory) Write(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns a copy of all records written so far.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// Filter returns the records of kind k for one object, in write order.
func (m *Memory) Filter(k Kind, objectID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.Kind == k && (objectID == "" || r.ObjectID == objectID) {
			out = append(out, r)
		}
	}
	return out
}

// Fanout writes every batch to each writer and joins their errors.
type Fanout []Writer

// Write implements Writer.
func (f Fanout) Write(ctx context.Context, records []Record) error {
	var errs []error
	for _, w := range f {
		if w == nil {
			continue
		}
		if err := w.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Metrics receives sink counters.
type Metrics interface {
	ObserveSinkError(sink string)
	ObserveDroppedRecords(n int)
}

// Async hands batches to a wrapped writer on a background goroutine. Write
// never blocks the caller; batches are dropped when the buffer is full and
// delivery errors are logged and counted.
type Async struct {
	q       *queue.Queue[[]Record]
	name    string
	metrics Metrics
}

// AsyncOption configures an Async writer.
type AsyncOption func(*asyncConfig)

type asyncConfig struct {
	name    string
	size    int
	log     logging.Logger
	metrics Metrics
}

// WithName labels the writer in logs and metrics.
func WithName(name string) AsyncOption { return func(c *asyncConfig) { c.name = name } }

// WithBuffer sets how many batches may be pending.
func WithBuffer(n int) AsyncOption { return func(c *asyncConfig) { c.size = n } }

// WithLogger sets the logger for delivery failures.
func WithLogger(l logging.Logger) AsyncOption {
	return func(c *asyncConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) AsyncOption { return func(c *asyncConfig) { c.metrics = m } }

// NewAsync wraps w.
func NewAsync(w Writer, opts ...AsyncOption) *Async {
	cfg := asyncConfig{name: "records", size: 256, log: logging.Noop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	a := &Async{name: cfg.name, metrics: cfg.metrics}
	a.q = queue.New[[]Record](cfg.size, func(ctx context.Context, records []Record) error {
		return w.Write(ctx, records)
	}, queue.WithErrorHandler[[]Record](func(err error) {
		if cfg.metrics != nil {
			cfg.metrics.ObserveSinkError(cfg.name)
		}
		cfg.log.Warn(context.Background(), "record sink write failed",
			logging.String("sink", cfg.name),
			logging.Err(err),
		)
	}))
	return a
}

// Write implements Writer. It never fails; a full buffer drops the batch.
func (a *Async) Write(_ context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if !a.q.Offer(records) && a.metrics != nil {
		a.metrics.ObserveDroppedRecords(len(records))
	}
	return nil
}

// Close drains pending batches until ctx ends.
func (a *Async) Close(ctx context.Context) error {
	return a.q.Close(ctx)
}

// Stats reports delivery counters in batches.
func (a *Async) Stats() queue.Stats { return a.q.Stats() }
