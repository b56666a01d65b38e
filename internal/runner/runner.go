package runner

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/mizy/claude-agent-hub/internal/executor"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
)

// Runner drains pending tasks one at a time under the exclusive runner lock
// and exits when the backlog is empty.
type Runner struct {
	store *task.Store
	exec  *executor.Executor
	lock  *storage.RunnerLock
	log   logger.Logger
}

// New creates a runner.
func New(store *task.Store, exec *executor.Executor, log logger.Logger) *Runner {
	return &Runner{
		store: store,
		exec:  exec,
		lock:  storage.NewRunnerLock(store.Layout()),
		log:   log,
	}
}

// Run acquires the runner lock and drains the pending backlog. A second
// runner finding the lock held exits cleanly; that is the expected outcome of
// over-eager spawning. Interrupt signals release the lock and flag the
// current task's process record before exit.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.lock.Acquire(PIDAlive); err != nil {
		if errors.Is(err, storage.ErrLockBusy) {
			r.log.Info("another runner is active, exiting")
			return nil
		}
		return err
	}
	defer r.lock.Release()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r.log.Info("runner started", "pid", os.Getpid())
	for {
		if ctx.Err() != nil {
			r.log.Info("runner interrupted")
			return nil
		}
		t, err := r.nextPending()
		if err != nil {
			return err
		}
		if t == nil {
			r.log.Info("backlog drained, runner exiting")
			return nil
		}
		r.runOne(ctx, t)
	}
}

// nextPending picks the highest-priority oldest pending task whose cwd is not
// already claimed by a running task. Two tasks in the same working directory
// never run concurrently; the later one stays pending.
func (r *Runner) nextPending() (*task.Task, error) {
	pending, err := r.store.ListByStatus(task.StatusPending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	busy, err := r.busyCwds()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		wi, wj := pending[i].Priority.Weight(), pending[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, t := range pending {
		if t.Cwd != "" && busy[t.Cwd] {
			r.log.Debug("task blocked on busy cwd", "task", t.ID, "cwd", t.Cwd)
			continue
		}
		return t, nil
	}
	return nil, nil
}

// busyCwds collects the working directories of currently running tasks.
func (r *Runner) busyCwds() (map[string]bool, error) {
	running, err := r.store.ListByStatus(task.StatusPlanning, task.StatusDeveloping, task.StatusReviewing)
	if err != nil {
		return nil, err
	}
	busy := map[string]bool{}
	for _, t := range running {
		if t.Cwd != "" {
			busy[t.Cwd] = true
		}
	}
	return busy, nil
}

// runOne executes a single task, bracketing it with the process record that
// orphan recovery relies on.
func (r *Runner) runOne(ctx context.Context, t *task.Task) {
	now := time.Now().UTC()
	if err := r.store.SaveProcess(t.ID, &task.ProcessInfo{
		PID:       os.Getpid(),
		StartedAt: now,
		Status:    task.ProcessRunning,
	}); err != nil {
		r.log.Error("process record write failed", "task", t.ID, "error", err.Error())
		return
	}

	err := r.exec.ExecuteTask(ctx, t)

	info := &task.ProcessInfo{PID: os.Getpid(), StartedAt: now, Status: task.ProcessStopped}
	if err != nil {
		info.Error = err.Error()
		r.log.Error("task execution failed", "task", t.ID, "error", err.Error())
	}
	if werr := r.store.SaveProcess(t.ID, info); werr != nil {
		r.log.Warn("process record update failed", "task", t.ID, "error", werr.Error())
	}

	if fresh, gerr := r.store.Get(t.ID); gerr == nil && fresh.Status.Terminal() {
		metrics.TasksFinished.WithLabelValues(string(fresh.Status)).Inc()
	}
}
