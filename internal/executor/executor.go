package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/report"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// Options tunes task execution.
type Options struct {
	Concurrency  int
	PollInterval time.Duration
}

// Executor takes one task from pending (or paused) to a terminal status:
// plan, run the workflow, render the result.
type Executor struct {
	store   *task.Store
	eng     *engine.Engine
	proc    engine.Processor
	planner *Planner
	bus     *events.Bus
	log     logger.Logger
	opts    Options
}

// New creates an executor.
func New(store *task.Store, eng *engine.Engine, proc engine.Processor, planner *Planner,
	bus *events.Bus, log logger.Logger, opts Options) *Executor {
	return &Executor{store: store, eng: eng, proc: proc, planner: planner, bus: bus, log: log, opts: opts}
}

// ExecuteTask runs a task to a terminal or paused state. It is resumable: an
// existing instance picks up where it left off, with interrupted nodes
// returned to pending.
func (e *Executor) ExecuteTask(ctx context.Context, t *task.Task) error {
	log := e.log.WithFields(map[string]interface{}{"task": t.ID})

	w, err := e.store.LoadWorkflow(t.ID)
	if err != nil {
		log.Warn("workflow read failed", "error", err.Error())
	}
	inst, err := e.store.LoadInstance(t.ID)
	if err != nil {
		log.Warn("instance read failed", "error", err.Error())
	}

	if w == nil {
		if w, inst, err = e.plan(ctx, t, log); err != nil {
			return e.fail(t, fmt.Sprintf("planning: %v", err))
		}
	} else if inst == nil {
		inst = workflow.NewInstance(t.ID, w)
		if err := e.store.SaveInstance(t.ID, inst); err != nil {
			return e.fail(t, fmt.Sprintf("seed instance: %v", err))
		}
	}

	if inst.Status.Terminal() {
		return e.settle(t, w, inst)
	}

	if t.Status != task.StatusDeveloping {
		if err := e.store.Transition(t, task.StatusDeveloping); err != nil {
			return err
		}
	}
	e.bus.Emit(events.Event{Kind: events.TaskStarted, TaskID: t.ID})

	switch inst.Status {
	case workflow.InstancePending:
		if err := e.eng.Start(w, inst); err != nil {
			return e.fail(t, fmt.Sprintf("start workflow: %v", err))
		}
	default:
		// Interrupted or paused run: reset stranded work and requeue.
		if err := e.eng.Resume(w, inst); err != nil {
			return e.fail(t, fmt.Sprintf("resume workflow: %v", err))
		}
		e.bus.Emit(events.Event{Kind: events.TaskResumed, TaskID: t.ID})
	}

	worker := engine.NewWorker(e.eng, e.proc, e.store, e.bus, log, w, t.ID, engine.WorkerOptions{
		Concurrency:  e.opts.Concurrency,
		PollInterval: e.opts.PollInterval,
	})
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped abnormally", "error", err.Error())
	}

	inst, err = e.store.LoadInstance(t.ID)
	if err != nil || inst == nil {
		return e.fail(t, fmt.Sprintf("final instance read: %v", err))
	}
	return e.settle(t, w, inst)
}

// plan transitions to planning and synthesizes the workflow.
func (e *Executor) plan(ctx context.Context, t *task.Task, log logger.Logger) (*workflow.Workflow, *workflow.Instance, error) {
	if err := e.store.Transition(t, task.StatusPlanning); err != nil {
		return nil, nil, err
	}
	w, err := e.planner.Plan(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	log.Info("workflow planned", "nodes", len(w.Nodes), "edges", len(w.Edges))
	if err := e.store.SaveWorkflow(t.ID, w); err != nil {
		return nil, nil, err
	}
	inst := workflow.NewInstance(t.ID, w)
	if err := e.store.SaveInstance(t.ID, inst); err != nil {
		return nil, nil, err
	}
	return w, inst, nil
}

// settle maps the final instance status onto the task, updates stats and
// renders result.md.
func (e *Executor) settle(t *task.Task, w *workflow.Workflow, inst *workflow.Instance) error {
	e.updateStats(t.ID, inst)

	switch inst.Status {
	case workflow.InstanceCompleted:
		if err := e.store.Transition(t, task.StatusCompleted); err != nil {
			return err
		}
		e.bus.Emit(events.Event{Kind: events.TaskCompleted, TaskID: t.ID})
	case workflow.InstanceFailed:
		t.Error = inst.Error
		if err := e.store.Transition(t, task.StatusFailed); err != nil {
			return err
		}
		e.bus.Emit(events.Event{Kind: events.TaskFailed, TaskID: t.ID,
			Data: map[string]interface{}{"error": inst.Error}})
	case workflow.InstanceCancelled:
		if !t.Status.Terminal() {
			if err := e.store.Transition(t, task.StatusCancelled); err != nil {
				return err
			}
		}
		e.bus.Emit(events.Event{Kind: events.TaskCancelled, TaskID: t.ID})
	case workflow.InstancePaused:
		if t.Status != task.StatusPaused {
			if err := e.store.Transition(t, task.StatusPaused); err != nil {
				return err
			}
		}
		e.bus.Emit(events.Event{Kind: events.TaskPaused, TaskID: t.ID})
		return nil
	}

	stats, _ := e.store.LoadStats(t.ID)
	md := report.RenderResult(t, w, inst, stats)
	path := e.store.Layout().ResultFile(t.ID)
	if err := storage.EnsureDir(filepath.Dir(path)); err == nil {
		err = os.WriteFile(path, []byte(md), 0o644)
		if err != nil {
			e.log.Warn("result render failed", "task", t.ID, "error", err.Error())
		}
	}
	return nil
}

// fail marks the task failed with a reason.
func (e *Executor) fail(t *task.Task, reason string) error {
	t.Error = reason
	if err := e.store.Transition(t, task.StatusFailed); err != nil {
		return err
	}
	e.bus.Emit(events.Event{Kind: events.TaskFailed, TaskID: t.ID,
		Data: map[string]interface{}{"error": reason}})
	return fmt.Errorf("%s", reason)
}

// updateStats derives node counters from the final instance.
func (e *Executor) updateStats(taskID string, inst *workflow.Instance) {
	stats, _ := e.store.LoadStats(taskID)
	stats.NodesTotal = len(inst.NodeStates)
	stats.NodesDone, stats.NodesFailed, stats.NodesSkipped, stats.TotalAttempts = 0, 0, 0, 0
	for _, s := range inst.NodeStates {
		stats.TotalAttempts += s.Attempts
		switch s.Status {
		case workflow.NodeDone:
			stats.NodesDone++
		case workflow.NodeFailed:
			stats.NodesFailed++
		case workflow.NodeSkipped:
			stats.NodesSkipped++
		}
	}
	if inst.StartedAt != nil && inst.CompletedAt != nil {
		stats.DurationMs = inst.CompletedAt.Sub(*inst.StartedAt).Milliseconds()
	}
	if err := e.store.SaveStats(taskID, stats); err != nil {
		e.log.Warn("stats write failed", "task", taskID, "error", err.Error())
	}
}
