package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// memQueueCap bounds each in-memory queue.
const memQueueCap = 1024

// pollInterval is how often Dequeue re-checks its queues when all are empty.
const pollInterval = 20 * time.Millisecond

// MemTransport is a single-process Transport backed by one channel per
// queue. Priority is accepted but not used for ordering; delayed enqueues go
// through the shared delay scheduler. Used by the all-in-one serve mode and
// by tests.
type MemTransport struct {
	mu     sync.Mutex
	queues map[string]chan string
	delay  *delayScheduler
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMemTransport() *MemTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &MemTransport{
		queues: make(map[string]chan string),
		delay:  newDelayScheduler(),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.delay.run(ctx)
	return t
}

func (t *MemTransport) queue(name string) chan string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.queues[name]
	if !ok {
		ch = make(chan string, memQueueCap)
		t.queues[name] = ch
	}
	return ch
}

func (t *MemTransport) Enqueue(ctx context.Context, queue string, priority int, delay time.Duration, taskID string) error {
	ch := t.queue(queue)
	if delay > 0 {
		t.delay.schedule(delay, func() {
			select {
			case ch <- taskID:
			case <-t.ctx.Done():
			}
		})
		return nil
	}
	select {
	case ch <- taskID:
		return nil
	case <-t.ctx.Done():
		return errors.New("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue polls the named queues until an item shows up. Polling keeps the
// multi-queue select simple; the interval is short enough that retries land
// close to their scheduled time.
func (t *MemTransport) Dequeue(ctx context.Context, queues []string) (string, error) {
	chans := make([]chan string, len(queues))
	for i, q := range queues {
		chans[i] = t.queue(q)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		for _, ch := range chans {
			select {
			case id := <-ch:
				return id, nil
			default:
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.ctx.Done():
			return "", errors.New("transport closed")
		case <-ticker.C:
		}
	}
}

func (t *MemTransport) Close() error {
	t.cancel()
	return nil
}
