// Package engine is the submission-side entrypoint: validate a task request
// against the registry, persist the initial record, and hand the work item
// to the transport. The HTTP layer and the CLI both call through here.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/storage"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/transport"
)

// ValidationError rejects a submission before it reaches the engine.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

type Engine struct {
	reg    *registry.Registry
	store  storage.Storage
	tr     transport.Transport
	logger *log.Logger
}

func New(reg *registry.Registry, store storage.Storage, tr transport.Transport) *Engine {
	return &Engine{
		reg:    reg,
		store:  store,
		tr:     tr,
		logger: log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
	}
}

// Submit validates the type and params, creates the PENDING record and
// enqueues the work item. Unknown types and bad params surface here,
// synchronously; nothing invalid reaches a worker.
func (e *Engine) Submit(ctx context.Context, taskType string, params map[string]any) (*task.Record, error) {
	def, err := e.reg.Lookup(taskType)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := e.reg.ValidateParams(taskType, params); err != nil {
		return nil, &ValidationError{msg: err.Error()}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &ValidationError{msg: fmt.Sprintf("params not serializable: %v", err)}
	}

	rec, err := e.store.Create(taskType, raw)
	if err != nil {
		return nil, fmt.Errorf("create task record: %w", err)
	}

	if err := e.tr.Enqueue(ctx, def.Queue, def.Priority, 0, rec.ID); err != nil {
		// keep the record consistent instead of leaving a PENDING orphan
		msg := fmt.Sprintf("enqueue failed: %v", err)
		finished := time.Now().UTC()
		if uerr := e.store.ConditionalUpdate(rec.ID, task.StatePending, storage.Update{
			State:        task.StateFailed,
			ErrorMessage: &msg,
			FinishedAt:   &finished,
		}); uerr != nil {
			e.logger.Printf("mark task %s failed after enqueue error: %v", rec.ID, uerr)
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	e.logger.Printf("task %s submitted (%s, queue=%s)", rec.ID, taskType, def.Queue)
	return rec, nil
}

// GetStatus returns the persisted record for id.
func (e *Engine) GetStatus(ctx context.Context, id string) (*task.Record, error) {
	return e.store.Get(id)
}

// List returns one page of records plus the total match count.
func (e *Engine) List(ctx context.Context, f storage.Filter, page, pageSize int) ([]*task.Record, int, error) {
	return e.store.List(f, page, pageSize)
}

// Types returns the registered task-type catalog.
func (e *Engine) Types() []*registry.Definition {
	return e.reg.All()
}
