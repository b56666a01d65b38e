// Package task defines the task domain model and the per-task folder store.
package task

import (
	"fmt"
	"math/rand"
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusDeveloping Status = "developing"
	StatusReviewing  Status = "reviewing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Running reports whether a runner should currently own the task.
func (s Status) Running() bool {
	switch s {
	case StatusPlanning, StatusDeveloping, StatusReviewing:
		return true
	default:
		return false
	}
}

// Priority orders pending tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight maps a priority to its queueing weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Task is the user-facing unit of work. It is mutated only by the owning
// runner or by lifecycle commands under the queue lock.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	Cwd         string     `json:"cwd"`
	Assignee    string     `json:"assignee,omitempty"`
	Backend     string     `json:"backend,omitempty"`
	Model       string     `json:"model,omitempty"`
	Schedule    string     `json:"schedule,omitempty"` // cron expression
	Source      string     `json:"source,omitempty"`   // user or selfdrive
	Error       string     `json:"error,omitempty"`
	PauseReason string     `json:"pauseReason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	PausedAt    *time.Time `json:"pausedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// ProcessStatus describes the recorded runner process.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessCrashed ProcessStatus = "crashed"
)

// ProcessInfo records which runner owns a task. Written by the runner at
// pickup; its absence means the task was never picked up.
type ProcessInfo struct {
	PID           int           `json:"pid"`
	StartedAt     time.Time     `json:"startedAt"`
	Status        ProcessStatus `json:"status"`
	LastHeartbeat *time.Time    `json:"lastHeartbeat,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Message is a user message injected into a running task. Handlers drain
// unconsumed messages into the prompt context before each backend call.
type Message struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Content   string    `json:"content"`
	Source    string    `json:"source"` // cli, lark, telegram
	Consumed  bool      `json:"consumed"`
	Timestamp time.Time `json:"timestamp"`
}

// TimelineEvent is one row of the append-only task timeline.
type TimelineEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Event     string                 `json:"event"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Stats holds derived per-task statistics.
type Stats struct {
	NodesTotal     int       `json:"nodesTotal"`
	NodesDone      int       `json:"nodesDone"`
	NodesFailed    int       `json:"nodesFailed"`
	NodesSkipped   int       `json:"nodesSkipped"`
	TotalAttempts  int       `json:"totalAttempts"`
	DurationMs     int64     `json:"durationMs"`
	CostUSD        float64   `json:"costUsd"`
	BackendCalls   int       `json:"backendCalls"`
	BackendTimeMs  int64     `json:"backendTimeMs"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID generates a sortable task id: task-YYYYMMDD-HHMMSS-<3 random base36>.
// The timestamp prefix makes lexicographic order follow submission order.
func NewID(now time.Time) string {
	return fmt.Sprintf("task-%s-%s", now.Format("20060102-150405"), randBase36(3))
}

// extendID appends 2 more random chars for the rare folder collision.
func extendID(id string) string {
	return id + randBase36(2)
}

func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return string(b)
}
