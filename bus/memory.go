package bus

import (
	"container/heap"
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/noetl/noetl/engine"
)

// MemoryBus is an in-process Bus: a container/heap priority queue keyed by
// Command.OrderKey, extended with an in-flight map and a visibility
// timer goroutine so an un-acked delivery becomes redeliverable instead
// of vanishing the way a bare Frontier dequeue would. Suitable for
// single-process deployments and tests; SQLiteBus is the durable-across-
// restarts sibling.
type MemoryBus struct {
	opts Options

	mu       sync.Mutex
	pending  cmdHeap
	inFlight map[string]*inFlightEntry
	notify   chan struct{}

	closed chan struct{}
}

type inFlightEntry struct {
	msg      Message
	deadline time.Time
}

type cmdHeap []engine.Command

func (h cmdHeap) Len() int            { return len(h) }
func (h cmdHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h cmdHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cmdHeap) Push(x interface{}) { *h = append(*h, x.(engine.Command)) }
func (h *cmdHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewMemoryBus constructs a MemoryBus with opts governing redelivery.
func NewMemoryBus(opts Options) *MemoryBus {
	b := &MemoryBus{
		opts:     opts,
		inFlight: map[string]*inFlightEntry{},
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	heap.Init(&b.pending)
	go b.reaper()
	return b
}

// Enqueue pushes cmd into the priority queue and wakes one Dequeue
// waiter.
func (b *MemoryBus) Enqueue(ctx context.Context, cmd engine.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	heap.Push(&b.pending, cmd)
	b.mu.Unlock()
	b.wake()
	return nil
}

// Dequeue blocks until a command is visible (ordered by smallest
// OrderKey among currently-visible commands) or ctx is cancelled.
func (b *MemoryBus) Dequeue(ctx context.Context) (Message, error) {
	for {
		b.mu.Lock()
		if b.pending.Len() > 0 {
			cmd := heap.Pop(&b.pending).(engine.Command)
			id := newDeliveryID()
			msg := Message{Command: cmd, DeliveryID: id, DeliveryCount: cmd.Attempt + 1}
			b.inFlight[id] = &inFlightEntry{msg: msg, deadline: time.Now().Add(b.opts.VisibilityTimeout)}
			b.mu.Unlock()
			return msg, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-b.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Ack permanently removes deliveryID from in-flight tracking.
func (b *MemoryBus) Ack(_ context.Context, deliveryID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inFlight, deliveryID)
	return nil
}

// Nack requeues deliveryID immediately (visibility elapses instantly on
// explicit Nack, unlike a silent timeout) unless it has exhausted
// MaxRedeliveries, in which case it is dropped (dead-lettered).
func (b *MemoryBus) Nack(_ context.Context, deliveryID string) error {
	b.mu.Lock()
	entry, ok := b.inFlight[deliveryID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.inFlight, deliveryID)
	if entry.msg.DeliveryCount >= b.opts.MaxRedeliveries {
		b.mu.Unlock()
		return nil
	}
	entry.msg.Command.Attempt = entry.msg.DeliveryCount
	heap.Push(&b.pending, entry.msg.Command)
	b.mu.Unlock()
	b.wake()
	return nil
}

// Len reports commands either visible in the queue or in flight.
func (b *MemoryBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len() + len(b.inFlight)
}

// Close stops the reaper goroutine.
func (b *MemoryBus) Close() {
	close(b.closed)
}

func (b *MemoryBus) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// reaper returns an expired (visibility-timeout-elapsed) in-flight
// delivery to the pending queue with an incremented DeliveryCount,
// dead-lettering it once MaxRedeliveries is exceeded — the passive
// counterpart to an explicit Nack.
func (b *MemoryBus) reaper() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for id, entry := range b.inFlight {
				if now.Before(entry.deadline) {
					continue
				}
				delete(b.inFlight, id)
				if entry.msg.DeliveryCount >= b.opts.MaxRedeliveries {
					continue
				}
				entry.msg.Command.Attempt = entry.msg.DeliveryCount
				heap.Push(&b.pending, entry.msg.Command)
			}
			b.mu.Unlock()
			b.wake()
		}
	}
}

func newDeliveryID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
