package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/policy"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/storage"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/transport"
)

// Worker pulls work items from the transport and executes them one at a
// time: load record, claim PENDING->RUNNING, run the handler under soft and
// hard timeouts, then persist the outcome the policy decides. Handler
// failures of any kind stay inside the worker; they fail one task only.
type Worker struct {
	id     int
	store  storage.Storage
	reg    *registry.Registry
	tr     transport.Transport
	queues []string
	rnd    func() float64
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config for worker behavior.
type Config struct {
	// Queues this worker pulls from.
	Queues []string
	// Rand feeds backoff jitter; nil gets a time-seeded source.
	Rand func() float64
}

func NewWorker(id int, store storage.Storage, reg *registry.Registry, tr transport.Transport, cfg *Config) *Worker {
	if cfg == nil {
		cfg = &Config{}
	}
	queues := cfg.Queues
	if len(queues) == 0 {
		queues = []string{registry.DefaultQueue}
	}
	rnd := cfg.Rand
	if rnd == nil {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		rnd = r.Float64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		id:     id,
		store:  store,
		reg:    reg,
		tr:     tr,
		queues: queues,
		rnd:    rnd,
		logger: log.New(log.Writer(), fmt.Sprintf("[WORKER %d] ", id), log.LstdFlags),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		id, err := w.tr.Dequeue(w.ctx, w.queues)
		if err != nil {
			if w.ctx.Err() != nil {
				w.logger.Printf("shutting down")
				return
			}
			w.logger.Printf("dequeue error: %v", err)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(w.ctx, id)
	}
}

// process drives one delivered work item to a terminal or retry outcome.
func (w *Worker) process(ctx context.Context, id string) {
	rec, err := w.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		// likely a duplicate delivery for a cleaned-up record
		w.logger.Printf("task %s not found, discarding work item", id)
		return
	}
	if err != nil {
		w.logger.Printf("load task %s: %v", id, err)
		return
	}
	if rec.State != task.StatePending {
		w.logger.Printf("task %s already %s, discarding duplicate delivery", id, rec.State)
		return
	}

	def, err := w.reg.Lookup(rec.TaskType)
	if err != nil {
		// registry drift between submission and execution, never retryable
		w.markFailed(rec, task.StatePending, fmt.Sprintf("unknown task type: %s", rec.TaskType))
		return
	}

	attempts := rec.AttemptCount + 1
	started := time.Now().UTC()
	err = w.store.ConditionalUpdate(id, task.StatePending, storage.Update{
		State:        task.StateRunning,
		AttemptCount: &attempts,
		StartedAt:    &started,
	})
	if errors.Is(err, storage.ErrPreconditionFailed) {
		w.logger.Printf("task %s claimed elsewhere, discarding duplicate delivery", id)
		return
	}
	if err != nil {
		w.logger.Printf("claim task %s: %v", id, err)
		return
	}

	w.logger.Printf("executing task %s (%s) attempt %d", id, rec.TaskType, attempts)
	result, herr := w.invoke(ctx, def, rec)
	if herr == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			herr = task.NewError(task.KindInternal, "serialize result: %v", merr)
		} else {
			finished := time.Now().UTC()
			err = w.store.ConditionalUpdate(id, task.StateRunning, storage.Update{
				State:      task.StateFinished,
				Result:     raw,
				FinishedAt: &finished,
			})
			if err != nil {
				w.logger.Printf("persist task %s result: %v", id, err)
				return
			}
			w.logger.Printf("task %s finished", id)
			return
		}
	}

	retryable := w.reg.Retryable(rec.TaskType, herr)
	dec := policy.Evaluate(def, attempts, retryable, w.rnd)
	if !dec.Retry {
		w.logger.Printf("task %s failed after %d attempt(s): %v (%s)", id, attempts, herr, dec.Reason)
		w.markFailed(rec, task.StateRunning, failureMessage(herr))
		return
	}

	err = w.store.ConditionalUpdate(id, task.StateRunning, storage.Update{State: task.StatePending})
	if err != nil {
		w.logger.Printf("schedule retry for task %s: %v", id, err)
		return
	}
	if err := w.tr.Enqueue(ctx, def.Queue, def.Priority, dec.Delay, id); err != nil {
		// record stays PENDING; the item can be re-enqueued by an operator
		w.logger.Printf("re-enqueue task %s: %v", id, err)
		return
	}
	w.logger.Printf("task %s attempt %d failed (%v), retrying in %s", id, attempts, herr, dec.Delay)
}

// invoke runs the handler under the definition's timeouts. The soft timeout
// only logs; the hard timeout cancels the handler context and reports a
// timeout error. A handler that ignores cancellation leaks its goroutine,
// which is the documented cost of not being able to preempt it.
func (w *Worker) invoke(ctx context.Context, def *registry.Definition, rec *task.Record) (any, error) {
	var params map[string]any
	if err := json.Unmarshal(rec.Params, &params); err != nil {
		return nil, task.NewError(task.KindBadInput, "decode params: %v", err)
	}

	hctx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Printf("task %s handler panic: %v\n%s", rec.ID, r, debug.Stack())
				done <- outcome{err: task.NewError(task.KindInternal, "handler panic: %v", r)}
			}
		}()
		res, err := def.Handler(hctx, rec.ID, params)
		done <- outcome{result: res, err: err}
	}()

	soft := time.NewTimer(def.SoftTimeout)
	defer soft.Stop()
	for {
		select {
		case o := <-done:
			return o.result, o.err
		case <-soft.C:
			w.logger.Printf("task %s exceeded soft timeout %s, still running", rec.ID, def.SoftTimeout)
		case <-hctx.Done():
			return nil, task.NewError(task.KindTimeout, "handler exceeded timeout %s", def.Timeout)
		}
	}
}

func (w *Worker) markFailed(rec *task.Record, from task.State, msg string) {
	finished := time.Now().UTC()
	err := w.store.ConditionalUpdate(rec.ID, from, storage.Update{
		State:        task.StateFailed,
		ErrorMessage: &msg,
		FinishedAt:   &finished,
	})
	if err != nil {
		w.logger.Printf("mark task %s failed: %v", rec.ID, err)
	}
}

// failureMessage formats the persisted error: classification plus the
// handler's message, nothing internal beyond that.
func failureMessage(err error) string {
	var te *task.Error
	if errors.As(err, &te) {
		return te.Error()
	}
	return fmt.Sprintf("%s: %v", task.KindOf(err), err)
}
