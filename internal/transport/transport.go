// Package transport moves work items (task ids) from the submission path to
// workers. Queue names route work, priority is a delivery-order hint, and a
// delayed enqueue holds the item back until its retry time.
package transport

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// Transport is the broker contract the engine and executor depend on.
// Delivery is at-least-once; duplicate deliveries are handled downstream by
// the store's conditional updates.
type Transport interface {
	Enqueue(ctx context.Context, queue string, priority int, delay time.Duration, taskID string) error
	// Dequeue blocks until a work item arrives on one of the queues or ctx
	// is cancelled.
	Dequeue(ctx context.Context, queues []string) (string, error)
	Close() error
}

// delayItem is one scheduled delivery.
type delayItem struct {
	due     time.Time
	seq     int64 // stable order for equal due times
	deliver func()
}

type delayHeap []delayItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(delayItem)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// delayScheduler holds deferred deliveries in a min-heap keyed by due time
// and keeps exactly one timer armed for the head of the heap. When the timer
// fires, the due delivery callback runs on the scheduler goroutine.
type delayScheduler struct {
	in      chan delayItem
	seq     int64
	timer   *time.Timer
	pending delayHeap
}

func newDelayScheduler() *delayScheduler {
	return &delayScheduler{
		in:    make(chan delayItem, 64),
		timer: time.NewTimer(time.Hour), // re-armed before first use
	}
}

// run is the scheduler loop. Exits on ctx cancellation.
func (s *delayScheduler) run(ctx context.Context) {
	heap.Init(&s.pending)
	_ = s.timer.Stop()

	for {
		var deadline <-chan time.Time
		if len(s.pending) > 0 {
			d := time.Until(s.pending[0].due)
			if d < 0 {
				d = 0
			}
			s.resetTimer(d)
			deadline = s.timer.C
		}

		select {
		case <-ctx.Done():
			_ = s.timer.Stop()
			return
		case it := <-s.in:
			heap.Push(&s.pending, it)
		case <-deadline:
			if len(s.pending) == 0 {
				continue
			}
			it := heap.Pop(&s.pending).(delayItem)
			it.deliver()
		}
	}
}

// schedule defers deliver until d has elapsed. Safe for concurrent use.
func (s *delayScheduler) schedule(d time.Duration, deliver func()) {
	seq := atomic.AddInt64(&s.seq, 1)
	s.in <- delayItem{due: time.Now().Add(d), seq: seq, deliver: deliver}
}

func (s *delayScheduler) resetTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}
