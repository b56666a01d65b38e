package task

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

var (
	// ErrNotFound is returned when no task matches an id or prefix.
	ErrNotFound = errors.New("task not found")
	// ErrAmbiguousPrefix is returned when a prefix matches several tasks.
	ErrAmbiguousPrefix = errors.New("ambiguous task prefix")
	// ErrInvalidTransition rejects lifecycle changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions lists the allowed lifecycle moves. Any status may move to
// cancelled; terminal statuses never move.
// Running statuses may fall back to pending: that is orphan recovery after a
// runner crash.
var transitions = map[Status][]Status{
	// pending may settle straight to a terminal status when orphan recovery
	// reset the task but its instance already finished.
	// Only developing may pause; a task that has not started work yet has
	// nothing to pause.
	StatusPending:    {StatusPlanning, StatusDeveloping, StatusCompleted, StatusFailed},
	StatusPlanning:   {StatusDeveloping, StatusFailed, StatusPending},
	StatusDeveloping: {StatusReviewing, StatusPaused, StatusCompleted, StatusFailed, StatusPending},
	StatusReviewing:  {StatusDeveloping, StatusCompleted, StatusFailed, StatusPending},
	StatusPaused:     {StatusPending, StatusPlanning, StatusDeveloping},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusCancelled {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store persists tasks and their companion documents, one folder per task.
type Store struct {
	layout *storage.Layout
}

// NewStore creates a store over a data-root layout.
func NewStore(layout *storage.Layout) *Store {
	return &Store{layout: layout}
}

// Layout exposes the underlying path layout.
func (s *Store) Layout() *storage.Layout { return s.layout }

// Create allocates an id, writes task.json and seeds the folder. The id
// embeds the submission timestamp; a folder collision grows the random
// suffix and retries.
func (s *Store) Create(t *Task) error {
	now := time.Now().UTC()
	id := t.ID
	if id == "" {
		id = NewID(now)
	}
	for attempt := 0; attempt < 5; attempt++ {
		if _, err := os.Stat(s.layout.TaskDir(id)); errors.Is(err, os.ErrNotExist) {
			break
		}
		id = extendID(NewID(now))
	}
	t.ID = id
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := storage.EnsureDir(s.layout.TaskDir(id)); err != nil {
		return err
	}
	if err := s.Save(t); err != nil {
		return err
	}
	return s.AppendTimeline(id, "task:created", map[string]interface{}{"title": t.Title})
}

// Get loads a task by exact id.
func (s *Store) Get(id string) (*Task, error) {
	path := s.layout.TaskFile(id)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t, err := storage.ReadJSON(path, storage.ReadOptions[*Task]{})
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// Resolve matches an id or unique prefix against the existing task folders.
func (s *Store) Resolve(prefix string) (*Task, error) {
	if t, err := s.Get(prefix); err == nil {
		return t, nil
	}
	entries, err := os.ReadDir(s.layout.TasksDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
		}
		return nil, err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return s.Get(matches[0])
	default:
		sort.Strings(matches)
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguousPrefix, prefix, strings.Join(matches, ", "))
	}
}

// Save writes task.json atomically and bumps updatedAt.
func (s *Store) Save(t *Task) error {
	t.UpdatedAt = time.Now().UTC()
	return storage.WriteJSON(s.layout.TaskFile(t.ID), t, storage.WriteOptions{})
}

// Transition validates and applies a status change, stamping the matching
// timestamp and recording the move on the timeline.
func (s *Store) Transition(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	from := t.Status
	t.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusPlanning, StatusDeveloping:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.PausedAt = nil
	case StatusPaused:
		t.PausedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		t.CompletedAt = &now
	}
	if err := s.Save(t); err != nil {
		return err
	}
	return s.AppendTimeline(t.ID, "task:status", map[string]interface{}{
		"from": string(from), "to": string(to),
	})
}

// List loads every task, newest first. Corrupt task.json files are skipped.
func (s *Store) List() ([]*Task, error) {
	entries, err := os.ReadDir(s.layout.TasksDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var tasks []*Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := storage.ReadJSON(s.layout.TaskFile(e.Name()), storage.ReadOptions[*Task]{})
		if err != nil || t == nil {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// ListByStatus filters List by status.
func (s *Store) ListByStatus(statuses ...Status) ([]*Task, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	want := map[Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Task
	for _, t := range all {
		if want[t.Status] {
			out = append(out, t)
		}
	}
	return out, nil
}

// Delete removes the whole task folder.
func (s *Store) Delete(id string) error {
	dir := s.layout.TaskDir(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

// SaveWorkflow writes the synthesized plan for a task.
func (s *Store) SaveWorkflow(taskID string, w *workflow.Workflow) error {
	return storage.WriteJSON(s.layout.WorkflowFile(taskID), w, storage.WriteOptions{})
}

// LoadWorkflow reads the plan; a missing file returns nil, nil.
func (s *Store) LoadWorkflow(taskID string) (*workflow.Workflow, error) {
	return storage.ReadJSON(s.layout.WorkflowFile(taskID), storage.ReadOptions[*workflow.Workflow]{})
}

// SaveInstance writes the workflow instance, the source of truth for progress.
func (s *Store) SaveInstance(taskID string, inst *workflow.Instance) error {
	return storage.WriteJSON(s.layout.InstanceFile(taskID), inst, storage.WriteOptions{})
}

// LoadInstance reads the instance; a missing file returns nil, nil.
func (s *Store) LoadInstance(taskID string) (*workflow.Instance, error) {
	return storage.ReadJSON(s.layout.InstanceFile(taskID), storage.ReadOptions[*workflow.Instance]{})
}

// SaveProcess records the runner owning the task.
func (s *Store) SaveProcess(taskID string, info *ProcessInfo) error {
	return storage.WriteJSON(s.layout.ProcessFile(taskID), info, storage.WriteOptions{})
}

// LoadProcess reads process.json; a missing file returns nil, nil, meaning the
// task was never picked up.
func (s *Store) LoadProcess(taskID string) (*ProcessInfo, error) {
	return storage.ReadJSON(s.layout.ProcessFile(taskID), storage.ReadOptions[*ProcessInfo]{})
}

// SaveStats writes derived statistics.
func (s *Store) SaveStats(taskID string, st *Stats) error {
	st.UpdatedAt = time.Now().UTC()
	return storage.WriteJSON(s.layout.StatsFile(taskID), st, storage.WriteOptions{})
}

// LoadStats reads stats.json, defaulting to zeroes.
func (s *Store) LoadStats(taskID string) (*Stats, error) {
	st, err := storage.ReadJSON(s.layout.StatsFile(taskID), storage.ReadOptions[*Stats]{Default: &Stats{}})
	if err != nil || st == nil {
		return &Stats{}, err
	}
	return st, nil
}

// AppendTimeline appends one event to the task timeline. Timeline writes are
// best effort; a corrupt timeline is replaced rather than fatal.
func (s *Store) AppendTimeline(taskID, event string, details map[string]interface{}) error {
	path := s.layout.TimelineFile(taskID)
	events, _ := storage.ReadJSON(path, storage.ReadOptions[[]TimelineEvent]{})
	events = append(events, TimelineEvent{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Details:   details,
	})
	return storage.WriteJSON(path, events, storage.WriteOptions{})
}

// LoadTimeline reads the full timeline.
func (s *Store) LoadTimeline(taskID string) ([]TimelineEvent, error) {
	return storage.ReadJSON(s.layout.TimelineFile(taskID), storage.ReadOptions[[]TimelineEvent]{})
}

// AppendLog appends a line to the human-readable execution log.
func (s *Store) AppendLog(taskID, line string) error {
	stamp := time.Now().UTC().Format(time.RFC3339)
	return storage.AppendToFile(s.layout.ExecutionLogFile(taskID), fmt.Sprintf("[%s] %s\n", stamp, line))
}
