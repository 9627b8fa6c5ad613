package task

import (
	"encoding/json"
	"time"
)

// State of a task record. PENDING is initial; FINISHED and FAILED are
// terminal. A retry moves RUNNING back to PENDING.
type State string

const (
	StatePending  State = "PENDING"
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
	StateFailed   State = "FAILED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateFinished, StateFailed:
		return true
	}
	return false
}

// transitions holds the allowed state changes. Only the executor drives
// these; every persisted transition goes through the store's conditional
// update with the "from" state as precondition.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateFailed},
	StateRunning: {StateFinished, StateFailed, StatePending},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one persisted task instance. Created by the submission path in
// PENDING; mutated only by the executor afterwards.
type Record struct {
	ID           string          `json:"id" db:"id"`
	TaskType     string          `json:"task_type" db:"task_type"`
	Params       json.RawMessage `json:"params" db:"params"`
	State        State           `json:"state" db:"state"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	AttemptCount int             `json:"attempt_count" db:"attempt_count"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}
