package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/engine"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/executor"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/storage"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/transport"
)

type testApp struct {
	srv *httptest.Server
	reg *registry.Registry
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	f, err := os.CreateTemp("", "api_test_*.db")
	if err != nil {
		t.Fatalf("tmp file: %v", err)
	}
	path := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(path) })

	store := storage.NewSQLiteStorage()
	if err := store.Init(path); err != nil {
		t.Fatalf("init storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	tr := transport.NewMemTransport()
	t.Cleanup(func() { tr.Close() })

	err = reg.Register(&registry.Definition{
		Name: "echo",
		Handler: func(ctx context.Context, taskID string, params map[string]any) (any, error) {
			return params, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = reg.Register(&registry.Definition{
		Name:    "data_analysis",
		Handler: func(ctx context.Context, taskID string, params map[string]any) (any, error) { return nil, nil },
		Params:  &registry.ParamSpec{Required: []string{"dataset_id"}},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	w := executor.NewWorker(1, store, reg, tr, &executor.Config{Queues: []string{"default"}})
	w.Start()
	t.Cleanup(w.Stop)

	eng := engine.New(reg, store, tr)
	s := NewServer("", eng)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/list", s.handleList)
	mux.HandleFunc("/tasks/types", s.handleTypes)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testApp{srv: srv, reg: reg}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	resp, err := http.Get(app.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSubmitAndTrackToFinished(t *testing.T) {
	app := newTestApp(t)

	resp := postJSON(t, app.srv.URL+"/tasks", submitRequest{
		TaskType: "echo",
		Params:   map[string]any{"msg": "hi"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	sub := decode[submitResponse](t, resp)
	if sub.TaskID == "" {
		t.Fatal("empty task id")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(app.srv.URL + "/tasks/" + sub.TaskID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		view := decode[taskView](t, resp)
		if view.State == task.StateFinished {
			if !strings.Contains(string(view.Result), `"msg":"hi"`) {
				t.Fatalf("result = %s", view.Result)
			}
			if view.AttemptCount != 1 {
				t.Fatalf("attempts = %d, want 1", view.AttemptCount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never finished, state = %s", view.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	app := newTestApp(t)

	resp := postJSON(t, app.srv.URL+"/tasks", submitRequest{TaskType: "ghost"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown type status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, app.srv.URL+"/tasks", submitRequest{TaskType: "data_analysis"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing param status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(app.srv.URL+"/tasks", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad json status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownTaskIs404(t *testing.T) {
	app := newTestApp(t)
	resp, err := http.Get(app.srv.URL + "/tasks/no-such-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListAndTypes(t *testing.T) {
	app := newTestApp(t)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, app.srv.URL+"/tasks", submitRequest{TaskType: "echo", Params: map[string]any{"i": i}})
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(app.srv.URL + "/tasks/list?task_type=echo&page=1&page_size=2")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	list := decode[listResponse](t, resp)
	if list.Total != 3 || len(list.Tasks) != 2 || list.TotalPages != 2 {
		t.Fatalf("list = total %d, len %d, pages %d", list.Total, len(list.Tasks), list.TotalPages)
	}

	resp, err = http.Get(app.srv.URL + "/tasks/list?state=BOGUS")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus state status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(app.srv.URL + "/tasks/types")
	if err != nil {
		t.Fatalf("get types: %v", err)
	}
	types := decode[map[string][]typeView](t, resp)
	if len(types["task_types"]) != 2 {
		t.Fatalf("task_types = %+v", types)
	}
}
