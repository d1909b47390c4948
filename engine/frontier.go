package engine

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/noetl/noetl/value"
)

// Command is a schedulable step-run unit: everything a Step Runner
// needs to claim a lease and dispatch a pipeline or loop fan-out. A
// step whose loop declares exec: local (the default) evaluates the loop
// in place; under exec: distributed the step command expands into one
// Command per element, each carrying an IterationSpec.
type Command struct {
	OrderKey    uint64
	ExecutionID string
	StepRunID   string
	TargetStep  string
	Args        value.Value
	Iteration   *IterationSpec
	Attempt     int
}

// IterationSpec marks a Command as one distributed loop iteration of a
// parent step run: the worker that dequeues it runs exactly this
// element's pipeline; the loop's aggregate completion is tracked by the
// control plane that expanded the step command.
type IterationSpec struct {
	Iterator string
	Index    int
	Element  value.Value
}

type commandHeap []Command

func (h commandHeap) Len() int            { return len(h) }
func (h commandHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h commandHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *commandHeap) Push(x interface{}) { *h = append(*h, x.(Command)) }
func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Frontier is the in-process scheduler: a container/heap priority queue
// keyed by deterministic OrderKey, combined with a buffered channel that
// provides bounded-capacity backpressure.
type Frontier struct {
	mu   sync.Mutex
	heap commandHeap

	queue    chan struct{}
	capacity int

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int64
	peakQueueDepth     atomic.Int64
}

// NewFrontier creates a Frontier bounded to capacity in-flight commands.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{queue: make(chan struct{}, capacity), capacity: capacity}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds cmd to the frontier. It blocks once the queue is at
// capacity (backpressure) until a Dequeue makes room or ctx is
// cancelled.
func (f *Frontier) Enqueue(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, cmd)
	depth := int64(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakQueueDepth.Load()
		if depth <= peak || f.peakQueueDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int64(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- struct{}{}:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue blocks until a command is available (ordered by the smallest
// OrderKey) or ctx is cancelled.
func (f *Frontier) Dequeue(ctx context.Context) (Command, error) {
	var zero Command
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		cmd := heap.Pop(&f.heap).(Command)
		f.totalDequeued.Add(1)
		return cmd, nil
	}
}

// Len reports the current queue depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of Frontier counters, fed
// into the Prometheus gauges/counters in metrics.go.
type SchedulerMetrics struct {
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int64
	PeakQueueDepth     int64
	CurrentDepth       int
}

// Metrics returns a snapshot of this Frontier's counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	return SchedulerMetrics{
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
		CurrentDepth:       f.Len(),
	}
}
