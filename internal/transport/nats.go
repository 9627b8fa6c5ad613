package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// subjectPrefix routes work items per queue: tasks.<queue>.
	subjectPrefix = "tasks."
	// workerGroup is the NATS queue group; the server delivers each message
	// to exactly one subscriber in the group.
	workerGroup = "workers"
	// priorityHeader carries the task type's priority as a delivery hint.
	priorityHeader = "Task-Priority"

	deliveryBuffer = 256
)

// NATSTransport is a Transport backed by core NATS pub/sub with queue-group
// subscriptions. Delayed enqueues are held in-process by the delay scheduler
// and published when due, so a crash before publish loses the delay only,
// not the task record.
type NATSTransport struct {
	nc     *nats.Conn
	logger *log.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
	msgs chan *nats.Msg

	delay  *delayScheduler
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNATSTransport wraps an established connection. The caller owns nc and
// closes it after Close.
func NewNATSTransport(nc *nats.Conn) *NATSTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &NATSTransport{
		nc:     nc,
		logger: log.New(log.Writer(), "[TRANSPORT] ", log.LstdFlags),
		subs:   make(map[string]*nats.Subscription),
		msgs:   make(chan *nats.Msg, deliveryBuffer),
		delay:  newDelayScheduler(),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.delay.run(ctx)
	return t
}

func subjectFor(queue string) string {
	return subjectPrefix + queue
}

func (t *NATSTransport) Enqueue(ctx context.Context, queue string, priority int, delay time.Duration, taskID string) error {
	msg := &nats.Msg{
		Subject: subjectFor(queue),
		Data:    []byte(taskID),
		Header:  nats.Header{priorityHeader: []string{fmt.Sprintf("%d", priority)}},
	}
	if delay > 0 {
		t.delay.schedule(delay, func() {
			if err := t.nc.PublishMsg(msg); err != nil {
				t.logger.Printf("delayed publish of task %s failed: %v", taskID, err)
			}
		})
		return nil
	}
	return t.nc.PublishMsg(msg)
}

// subscribe lazily joins the worker queue group for queue, funneling
// deliveries into the shared channel.
func (t *NATSTransport) subscribe(queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[queue]; ok {
		return nil
	}
	sub, err := t.nc.ChanQueueSubscribe(subjectFor(queue), workerGroup, t.msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", queue, err)
	}
	t.subs[queue] = sub
	return nil
}

func (t *NATSTransport) Dequeue(ctx context.Context, queues []string) (string, error) {
	for _, q := range queues {
		if err := t.subscribe(q); err != nil {
			return "", err
		}
	}
	select {
	case msg := <-t.msgs:
		return string(msg.Data), nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.ctx.Done():
		return "", errors.New("transport closed")
	}
}

func (t *NATSTransport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for q, sub := range t.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.subs, q)
	}
	return firstErr
}
