package ports

import (
	"time"
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// rank orders statuses along the allowed transition path. Transitions may only
// move forward: pending -> running -> completed|failed.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Task represents one unit of user-submitted work executed by the agent.
type Task struct {
	ID        string     `json:"task_id"`
	OwnerID   string     `json:"owner_id"`
	Prompt    string     `json:"prompt"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	Result    string     `json:"result,omitempty"`

	// LastSeq is the sequence id of the newest event appended for this task.
	LastSeq int64 `json:"last_seq"`
}
