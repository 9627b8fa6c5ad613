package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CharanSaiVaddi/taskengine-backend/internal/task"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrPreconditionFailed = errors.New("task state precondition failed")
)

// Update lists the fields a conditional update may set. Nil pointers are
// left untouched.
type Update struct {
	State        task.State
	Result       json.RawMessage
	ErrorMessage *string
	AttemptCount *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	State    task.State
	TaskType string
}

// Storage provides persistence for task records.
type Storage interface {
	Init(path string) error
	Close() error
	Create(taskType string, params json.RawMessage) (*task.Record, error)
	Get(id string) (*task.Record, error)
	ConditionalUpdate(id string, expected task.State, upd Update) error
	List(f Filter, page, pageSize int) ([]*task.Record, int, error)
}

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage() *SQLiteStorage { return &SQLiteStorage{} }

func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "tasks.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStorage) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		result TEXT,
		error_message TEXT NOT NULL DEFAULT '',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(task_type, state);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Create inserts a new PENDING record with a fresh id and zero attempts.
func (s *SQLiteStorage) Create(taskType string, params json.RawMessage) (*task.Record, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	rec := &task.Record{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		Params:    params,
		State:     task.StatePending,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks(id,task_type,params,state,attempt_count,created_at) VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.TaskType, string(rec.Params), rec.State, rec.AttemptCount, rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

const recordColumns = `id,task_type,params,state,result,error_message,attempt_count,created_at,started_at,finished_at`

func (s *SQLiteStorage) Get(id string) (*task.Record, error) {
	row := s.db.QueryRow(`SELECT `+recordColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	rec := &task.Record{}
	var params string
	var result sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&rec.ID, &rec.TaskType, &params, &rec.State, &result,
		&rec.ErrorMessage, &rec.AttemptCount, &rec.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	rec.Params = json.RawMessage(params)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

// ConditionalUpdate applies upd only if the record currently holds the
// expected state. The WHERE clause carries the precondition so concurrent
// duplicate deliveries serialize on the database, not on process locks.
func (s *SQLiteStorage) ConditionalUpdate(id string, expected task.State, upd Update) error {
	if !task.CanTransition(expected, upd.State) {
		return fmt.Errorf("illegal transition %s -> %s", expected, upd.State)
	}

	sets := []string{"state = ?"}
	args := []any{upd.State}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(upd.Result))
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *upd.AttemptCount)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UTC())
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, upd.FinishedAt.UTC())
	}
	args = append(args, id, expected)

	res, err := s.db.Exec(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND state = ?`, args...)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrPreconditionFailed
	}
	return nil
}

// List returns one page of records matching f, newest first, plus the total
// match count.
func (s *SQLiteStorage) List(f Filter, page, pageSize int) ([]*task.Record, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.Query(`SELECT `+recordColumns+` FROM tasks WHERE `+cond+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
