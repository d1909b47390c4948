// Package bus provides the durable Command/Event Bus contract the
// scheduler relies on: at-least-once delivery, per-execution ordering,
// visibility timeouts, and bounded redeliveries. It generalizes the
// in-process engine.Frontier to an externally-durable queue a Step
// Runner dequeues from and must explicitly Ack or Nack, the way a real
// message broker (SQS, a database-backed outbox) behaves — the Frontier
// alone only models in-process ordering, not crash recovery.
package bus

import (
	"context"
	"time"

	"github.com/noetl/noetl/engine"
)

// Message wraps an engine.Command with the bus-level delivery metadata
// a worker needs to Ack/Nack it.
type Message struct {
	Command       engine.Command
	DeliveryID    string
	DeliveryCount int
}

// Bus is the minimal durable queue contract the Scheduler enqueues step-
// run commands onto and Step Runners dequeue/ack/nack against.
type Bus interface {
	// Enqueue durably persists cmd for eventual delivery. Returns
	// immediately; delivery is asynchronous (Dequeue driven).
	Enqueue(ctx context.Context, cmd engine.Command) error
	// Dequeue blocks until a command becomes visible (respecting any
	// in-flight visibility timeout from a prior un-acked delivery) or
	// ctx is cancelled.
	Dequeue(ctx context.Context) (Message, error)
	// Ack permanently removes the delivery from the queue.
	Ack(ctx context.Context, deliveryID string) error
	// Nack returns the delivery to the queue for redelivery after
	// visibility elapses, incrementing DeliveryCount. Once DeliveryCount
	// exceeds the bus's configured max redeliveries, the message is
	// moved to a dead-letter state instead of being requeued (the
	// caller observes this as Dequeue never returning it again).
	Nack(ctx context.Context, deliveryID string) error
	// Len reports the number of commands currently visible-or-in-flight.
	Len() int
}

// Options configures redelivery behavior, shared by every Bus
// implementation.
type Options struct {
	VisibilityTimeout time.Duration
	MaxRedeliveries   int
}

// DefaultOptions mirrors a conservative broker default: 30s visibility,
// 5 redelivery attempts before dead-lettering.
func DefaultOptions() Options {
	return Options{VisibilityTimeout: 30 * time.Second, MaxRedeliveries: 5}
}
