package storage

import (
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	f, err := os.CreateTemp("", "tasks_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	s := NewSQLiteStorage()
	if err := s.Init(path); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStorage(t)
	rec, err := s.Create("data_analysis", json.RawMessage(`{"dataset_id":7}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if rec.State != task.StatePending || rec.AttemptCount != 0 {
		t.Fatalf("new record state=%s attempts=%d, want PENDING/0", rec.State, rec.AttemptCount)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TaskType != "data_analysis" || string(got.Params) != `{"dataset_id":7}` {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatal("timestamps must be null before transitions")
	}

	if _, err := s.Get("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConditionalUpdate(t *testing.T) {
	s := newTestStorage(t)
	rec, err := s.Create("echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	attempts := 1
	err = s.ConditionalUpdate(rec.ID, task.StatePending, Update{
		State:        task.StateRunning,
		AttemptCount: &attempts,
		StartedAt:    &now,
	})
	if err != nil {
		t.Fatalf("pending->running: %v", err)
	}

	// same precondition again: the duplicate-delivery case
	err = s.ConditionalUpdate(rec.ID, task.StatePending, Update{
		State:        task.StateRunning,
		AttemptCount: &attempts,
		StartedAt:    &now,
	})
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}

	err = s.ConditionalUpdate(rec.ID, task.StateRunning, Update{
		State:      task.StateFinished,
		Result:     json.RawMessage(`{"ok":true}`),
		FinishedAt: &now,
	})
	if err != nil {
		t.Fatalf("running->finished: %v", err)
	}

	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != task.StateFinished || string(got.Result) != `{"ok":true}` {
		t.Fatalf("final record: %+v", got)
	}
	if got.AttemptCount != 1 || got.StartedAt == nil || got.FinishedAt == nil {
		t.Fatalf("attempt/timestamps not persisted: %+v", got)
	}
}

func TestConditionalUpdateRejectsIllegalTransition(t *testing.T) {
	s := newTestStorage(t)
	rec, err := s.Create("echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = s.ConditionalUpdate(rec.ID, task.StatePending, Update{State: task.StateFinished})
	if err == nil {
		t.Fatal("pending->finished must be rejected")
	}
	err = s.ConditionalUpdate(rec.ID, task.StateFinished, Update{State: task.StateRunning})
	if err == nil {
		t.Fatal("updates out of a terminal state must be rejected")
	}
}

func TestListFilterAndPagination(t *testing.T) {
	s := newTestStorage(t)
	for i := 0; i < 5; i++ {
		if _, err := s.Create("echo", nil); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other, err := s.Create("report_generation", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg := "boom"
	now := time.Now().UTC()
	if err := s.ConditionalUpdate(other.ID, task.StatePending, Update{
		State: task.StateFailed, ErrorMessage: &msg, FinishedAt: &now,
	}); err != nil {
		t.Fatalf("fail record: %v", err)
	}

	recs, total, err := s.List(Filter{State: task.StatePending}, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(recs) != 2 {
		t.Fatalf("pending page: total=%d len=%d, want 5/2", total, len(recs))
	}

	recs, total, err = s.List(Filter{State: task.StatePending}, 3, 2)
	if err != nil {
		t.Fatalf("list page 3: %v", err)
	}
	if total != 5 || len(recs) != 1 {
		t.Fatalf("last page: total=%d len=%d, want 5/1", total, len(recs))
	}

	recs, total, err = s.List(Filter{TaskType: "report_generation"}, 1, 20)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if total != 1 || len(recs) != 1 || recs[0].State != task.StateFailed {
		t.Fatalf("type filter: total=%d len=%d", total, len(recs))
	}
	if recs[0].ErrorMessage != "boom" {
		t.Fatalf("error message = %q", recs[0].ErrorMessage)
	}

	_, total, err = s.List(Filter{}, 1, 20)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 6 {
		t.Fatalf("total = %d, want 6", total)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStorage(t)
	rec, err := s.Create("echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	wins := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func(n int) {
			attempts := 1
			now := time.Now().UTC()
			wins <- s.ConditionalUpdate(rec.ID, task.StatePending, Update{
				State: task.StateRunning, AttemptCount: &attempts, StartedAt: &now,
			})
		}(i)
	}

	var ok, failed int
	for i := 0; i < 4; i++ {
		if err := <-wins; err == nil {
			ok++
		} else if errors.Is(err, ErrPreconditionFailed) {
			failed++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || failed != 3 {
		t.Fatalf("winners=%d losers=%d, want 1/3", ok, failed)
	}
}

func TestCreateDefaultsEmptyParams(t *testing.T) {
	s := newTestStorage(t)
	rec, err := s.Create("echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(got.Params, &m); err != nil {
		t.Fatalf("params not valid JSON: %v (%s)", err, got.Params)
	}
	if len(m) != 0 {
		t.Fatalf("params = %s, want {}", got.Params)
	}
	// ids must be unique across creates
	seen := map[string]bool{rec.ID: true}
	for i := 0; i < 3; i++ {
		r, err := s.Create("echo", nil)
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[r.ID] {
			t.Fatalf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}
}
