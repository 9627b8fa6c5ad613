package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/engine"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/registry"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/storage"
	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
)

const maxPageSize = 100

// Server exposes the submission and status entrypoints over HTTP.
type Server struct {
	addr   string
	engine *engine.Engine
	server *http.Server
	logger *log.Logger
}

type apiError struct {
	Error string `json:"error"`
}

type submitRequest struct {
	TaskType string         `json:"task_type"`
	Params   map[string]any `json:"params"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type taskView struct {
	ID           string          `json:"id"`
	TaskType     string          `json:"task_type"`
	State        task.State      `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type listResponse struct {
	Tasks      []taskView `json:"tasks"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

type typeView struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Timeout     string              `json:"timeout"`
	SoftTimeout string              `json:"soft_timeout"`
	MaxRetries  int                 `json:"max_retries"`
	Queue       string              `json:"queue"`
	Priority    int                 `json:"priority"`
	Params      *registry.ParamSpec `json:"params,omitempty"`
}

func NewServer(addr string, eng *engine.Engine) *Server {
	return &Server{
		addr:   addr,
		engine: eng,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/list", s.handleList)
	mux.HandleFunc("/tasks/types", s.handleTypes)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.logRequest(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Stop()
	}
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Println("shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.Submit(r.Context(), req.TaskType, req.Params)
	if err != nil {
		var verr *engine.ValidationError
		switch {
		case errors.Is(err, registry.ErrUnknownType):
			s.writeError(w, err.Error(), http.StatusBadRequest)
		case errors.As(err, &verr):
			s.writeError(w, verr.Error(), http.StatusBadRequest)
		default:
			s.logger.Printf("submit failed: %v", err)
			s.writeError(w, "failed to submit task", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: rec.ID})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, "invalid task id", http.StatusBadRequest)
		return
	}
	rec, err := s.engine.GetStatus(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Printf("get task %s: %v", id, err)
		s.writeError(w, "failed to load task", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()

	f := storage.Filter{TaskType: q.Get("task_type")}
	if state := q.Get("state"); state != "" {
		st := task.State(state)
		if !st.Valid() {
			s.writeError(w, "invalid state filter", http.StatusBadRequest)
			return
		}
		f.State = st
	}

	page := intParam(q.Get("page"), 1)
	pageSize := intParam(q.Get("page_size"), 20)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	recs, total, err := s.engine.List(r.Context(), f, page, pageSize)
	if err != nil {
		s.logger.Printf("list tasks: %v", err)
		s.writeError(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}

	views := make([]taskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, viewOf(rec))
	}
	totalPages := (total + pageSize - 1) / pageSize
	s.writeJSON(w, http.StatusOK, listResponse{
		Tasks:      views,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defs := s.engine.Types()
	out := make([]typeView, 0, len(defs))
	for _, def := range defs {
		out = append(out, typeView{
			Name:        def.Name,
			Description: def.Description,
			Timeout:     def.Timeout.String(),
			SoftTimeout: def.SoftTimeout.String(),
			MaxRetries:  def.MaxRetries,
			Queue:       def.Queue,
			Priority:    def.Priority,
			Params:      def.Params,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_types": out})
}

// viewOf hides internals: result only once FINISHED, error message only once
// FAILED.
func viewOf(rec *task.Record) taskView {
	v := taskView{
		ID:           rec.ID,
		TaskType:     rec.TaskType,
		State:        rec.State,
		AttemptCount: rec.AttemptCount,
		CreatedAt:    rec.CreatedAt,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
	}
	switch rec.State {
	case task.StateFinished:
		v.Result = rec.Result
	case task.StateFailed:
		v.ErrorMessage = rec.ErrorMessage
	}
	return v
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Error: message})
}
