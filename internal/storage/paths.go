// Package storage provides the on-disk layout, atomic JSON persistence and
// advisory file locking that back the task and queue stores.
package storage

import (
	"os"
	"path/filepath"
)

// EnvDataDir overrides the data root when set.
const EnvDataDir = "CAH_DATA_DIR"

// Layout is the single source of truth for every path under the data root.
// No other component may construct these paths ad hoc.
type Layout struct {
	root string
}

// ResolveLayout resolves the data root: explicit override first, then the
// CAH_DATA_DIR environment variable, then ./.cah-data.
func ResolveLayout(override string) *Layout {
	root := override
	if root == "" {
		root = os.Getenv(EnvDataDir)
	}
	if root == "" {
		root = ".cah-data"
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Layout{root: root}
}

// Root returns the data root directory.
func (l *Layout) Root() string { return l.root }

// QueueFile is the persistent job queue document.
func (l *Layout) QueueFile() string { return filepath.Join(l.root, "queue.json") }

// QueueLockFile guards mutations of queue.json.
func (l *Layout) QueueLockFile() string { return filepath.Join(l.root, "queue.json.lock") }

// RunnerLockFile guarantees at most one queue-draining runner process.
func (l *Layout) RunnerLockFile() string { return filepath.Join(l.root, "runner.lock") }

// MetaFile holds data-root metadata such as the layout version.
func (l *Layout) MetaFile() string { return filepath.Join(l.root, "meta.json") }

// DaemonPidFile holds the daemon supervisor pid.
func (l *Layout) DaemonPidFile() string { return filepath.Join(l.root, "daemon.pid") }

// TasksDir is the parent of all task folders.
func (l *Layout) TasksDir() string { return filepath.Join(l.root, "tasks") }

// TaskDir is the folder owning all state for one task.
func (l *Layout) TaskDir(taskID string) string { return filepath.Join(l.root, "tasks", taskID) }

// TaskFile holds the task metadata.
func (l *Layout) TaskFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "task.json")
}

// WorkflowFile holds the synthesized workflow plan.
func (l *Layout) WorkflowFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "workflow.json")
}

// InstanceFile holds the workflow instance, the source of truth for progress.
func (l *Layout) InstanceFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "instance.json")
}

// ProcessFile records the owning runner process.
func (l *Layout) ProcessFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "process.json")
}

// MessagesFile holds messages injected into a running task.
func (l *Layout) MessagesFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "messages.json")
}

// StatsFile holds derived per-task statistics.
func (l *Layout) StatsFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "stats.json")
}

// TimelineFile is the append-only list of lifecycle events.
func (l *Layout) TimelineFile(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "timeline.json")
}

// LogsDir holds the task's log files.
func (l *Layout) LogsDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "logs")
}

// ExecutionLogFile is the human-readable newline-delimited log.
func (l *Layout) ExecutionLogFile(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "execution.log")
}

// EventsLogFile holds one JSON event object per line.
func (l *Layout) EventsLogFile(taskID string) string {
	return filepath.Join(l.LogsDir(taskID), "events.jsonl")
}

// OutputsDir holds rendered task outputs.
func (l *Layout) OutputsDir(taskID string) string {
	return filepath.Join(l.TaskDir(taskID), "outputs")
}

// ResultFile is the rendered markdown result.
func (l *Layout) ResultFile(taskID string) string {
	return filepath.Join(l.OutputsDir(taskID), "result.md")
}
