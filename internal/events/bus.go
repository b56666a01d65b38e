// Package events provides the in-process typed event bus. Listeners run
// synchronously on the emitting goroutine; a panicking listener is recovered
// and logged so one bad subscriber never takes down dispatch.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/mizy/claude-agent-hub/internal/platform/logger"
)

// Kind names an event. The task, workflow and node prefixes partition the
// namespace.
type Kind string

const (
	TaskCreated   Kind = "task:created"
	TaskStarted   Kind = "task:started"
	TaskPaused    Kind = "task:paused"
	TaskResumed   Kind = "task:resumed"
	TaskCompleted Kind = "task:completed"
	TaskFailed    Kind = "task:failed"
	TaskCancelled Kind = "task:cancelled"
	TaskMessage   Kind = "task:message"

	WorkflowStarted   Kind = "workflow:started"
	WorkflowCompleted Kind = "workflow:completed"
	WorkflowFailed    Kind = "workflow:failed"
	WorkflowPaused    Kind = "workflow:paused"
	WorkflowProgress  Kind = "workflow:progress"

	NodeStarted   Kind = "node:started"
	NodeCompleted Kind = "node:completed"
	NodeFailed    Kind = "node:failed"
	NodeSkipped   Kind = "node:skipped"
	NodeWaiting   Kind = "node:waiting"
)

// Event is the payload delivered to listeners.
type Event struct {
	Kind      Kind                   `json:"kind"`
	TaskID    string                 `json:"taskId,omitempty"`
	NodeID    string                 `json:"nodeId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Listener handles one event.
type Listener func(Event)

// Bus is a minimal synchronous pub/sub hub.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	any       []Listener
	log       logger.Logger
}

// NewBus creates an empty bus. A nil logger falls back to the no-op logger.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{listeners: map[Kind][]Listener{}, log: log}
}

// On subscribes a listener to one kind.
func (b *Bus) On(kind Kind, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], fn)
}

// OnAny subscribes a listener to every event.
func (b *Bus) OnAny(fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.any = append(b.any, fn)
}

// Emit dispatches an event and reports whether any listener received it.
func (b *Bus) Emit(e Event) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	targeted := b.listeners[e.Kind]
	catchAll := b.any
	b.mu.RUnlock()

	for _, fn := range targeted {
		b.safeDispatch(fn, e)
	}
	for _, fn := range catchAll {
		b.safeDispatch(fn, e)
	}
	return len(targeted)+len(catchAll) > 0
}

func (b *Bus) safeDispatch(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked",
				"kind", string(e.Kind), "task", e.TaskID, "panic", fmt.Sprint(r))
		}
	}()
	fn(e)
}
