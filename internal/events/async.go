package events

import (
	"context"

	"trade-entry/internal/metrics"

	"go.uber.org/zap"
)

// Async hands events to next on its own goroutine. Publish never blocks;
// events are dropped and counted when the buffer is full.
type Async struct {
	name    string
	next    Publisher
	ch      chan Event
	dropped metrics.Counter
	log     *zap.Logger
}

func NewAsync(name string, next Publisher, buffer int, dropped metrics.Counter, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if dropped == nil {
		dropped = metrics.NewNoop().EventsDropped
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{
		name:    name,
		next:    next,
		ch:      make(chan Event, buffer),
		dropped: dropped,
		log:     log,
	}
}

func (a *Async) Publish(_ context.Context, e Event) {
	select {
	case a.ch <- e:
	default:
		a.dropped.Inc()
		a.log.Warn("event dropped", zap.String("sink", a.name), zap.String("kind", string(e.Kind)), zap.String("trade_id", e.TradeID.Hex()))
	}
}

// Run delivers queued events until ctx is cancelled.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-a.ch:
			a.next.Publish(ctx, e)
		}
	}
}
