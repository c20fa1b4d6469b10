package alarm

import (
	"context"

	"github.com/signalsfoundry/gasnet-twin/internal/logging"
	"github.com/signalsfoundry/gasnet-twin/internal/queue"
)

// Async raises alarms on a background goroutine so a slow sink never
// stalls the simulation loop.
type Async struct {
	q *queue.Queue[Alarm]
}

// NewAsync wraps s with a buffer of size alarms. Delivery failures are
// logged and reported to onError, which may be nil.
func NewAsync(s Sink, size int, log logging.Logger, onError func(error)) *Async {
	if log == nil {
		log = logging.Noop()
	}
	return &Async{q: queue.New[Alarm](size, s.Raise, queue.WithErrorHandler[Alarm](func(err error) {
		log.Warn(context.Background(), "alarm delivery failed", logging.Err(err))
		if onError != nil {
			onError(err)
		}
	}))}
}

// Raise implements Sink. It fails only when the buffer is full.
func (a *Async) Raise(_ context.Context, al Alarm) error {
	if !a.q.Offer(al) {
		return ErrDropped
	}
	return nil
}

// Close drains pending alarms until ctx ends.
func (a *Async) Close(ctx context.Context) error { return a.q.Close(ctx) }
