package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Store persists events durably. Implemented by the gorm store.
type Store interface {
	InsertEvent(ctx context.Context, ev Event) error
}

// Bus fans events out to live subscribers. Implemented by the redis bus.
type Bus interface {
	PublishEvent(ctx context.Context, ev Event) error
}

// Publisher delivers every emitted event to the durable store and the
// pub/sub bus. Deliveries for one call happen in emission order because they
// are funneled through the sequential task queue; failures on either sink are
// logged and never reach the request path.
type Publisher struct {
	store Store
	bus   Bus
	queue *TaskQueue

	// sinkTimeout bounds each store/bus call so a stalled sink cannot wedge
	// the worker forever.
	sinkTimeout time.Duration
}

// NewPublisher builds a publisher. Either sink may be nil, in which case it
// is skipped.
func NewPublisher(store Store, bus Bus) *Publisher {
	return &Publisher{
		store:       store,
		bus:         bus,
		queue:       NewTaskQueue(),
		sinkTimeout: 10 * time.Second,
	}
}

// Emit schedules the event for delivery and returns immediately.
func (p *Publisher) Emit(ev Event) {
	if p == nil {
		return
	}
	p.queue.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.sinkTimeout)
		defer cancel()
		if p.store != nil {
			if err := p.store.InsertEvent(ctx, ev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"call_id": ev.CallID,
					"type":    ev.Type,
				}).Error("event store insert failed")
			}
		}
		if p.bus != nil {
			if err := p.bus.PublishEvent(ctx, ev); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{
					"call_id": ev.CallID,
					"type":    ev.Type,
				}).Warn("event bus publish failed")
			}
		}
	})
}

// EmitNew is shorthand for Emit(New(callID, eventType, payload)).
func (p *Publisher) EmitNew(callID, eventType string, payload map[string]any) {
	p.Emit(New(callID, eventType, payload))
}

// Close drains pending deliveries, waiting up to timeout.
func (p *Publisher) Close(timeout time.Duration) {
	if p == nil {
		return
	}
	p.queue.Close(timeout)
}
