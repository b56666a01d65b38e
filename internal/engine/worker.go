package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// DefaultPollInterval is how often the worker checks the queue when idle.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultNodeTimeout bounds a node handler when neither the node nor the
// workflow sets one. A hung backend subprocess must never stall an instance
// forever.
const DefaultNodeTimeout = 30 * time.Minute

// Worker drains one instance's jobs from the queue and runs them through the
// processor, up to Concurrency nodes in parallel. It exits when the instance
// reaches a terminal status or its context is cancelled.
type Worker struct {
	engine       *Engine
	processor    Processor
	store        *task.Store
	bus          *events.Bus
	log          logger.Logger
	wf           *workflow.Workflow
	instanceID   string
	concurrency  int
	pollInterval time.Duration

	running atomic.Bool
	wg      sync.WaitGroup
}

// WorkerOptions configures a worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
}

// NewWorker creates a worker for one workflow instance.
func NewWorker(eng *Engine, proc Processor, store *task.Store, bus *events.Bus, log logger.Logger,
	wf *workflow.Workflow, instanceID string, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Worker{
		engine:       eng,
		processor:    proc,
		store:        store,
		bus:          bus,
		log:          log,
		wf:           wf,
		instanceID:   instanceID,
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
	}
}

// IsRunning reports whether Run is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Run polls the queue until the instance finishes or ctx is cancelled. Each
// claimed job runs on its own goroutine behind a concurrency semaphore.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker for %s already running", w.instanceID)
	}
	defer w.running.Store(false)

	sem := make(chan struct{}, w.concurrency)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		default:
		}

		inst, err := w.store.LoadInstance(w.instanceID)
		if err != nil {
			w.log.Warn("instance read failed", "instance", w.instanceID, "error", err.Error())
		}
		if inst == nil {
			return fmt.Errorf("instance %s not found", w.instanceID)
		}
		if inst.Status.Terminal() {
			w.wg.Wait()
			return nil
		}
		if inst.Status == workflow.InstancePaused {
			// A paused instance frees the worker; resume re-spawns one.
			w.wg.Wait()
			return nil
		}

		job, err := w.engine.Queue().Dequeue(w.instanceID)
		if err != nil {
			w.log.Error("dequeue failed", "error", err.Error())
			<-ticker.C
			continue
		}
		if job == nil {
			<-ticker.C
			continue
		}

		if !CanExecuteNode(w.wf, inst, job.NodeID) {
			// Dependencies not yet satisfied (join waiting on a sibling
			// branch); give it back and let the poll retry.
			if err := w.engine.Queue().Requeue(job.ID, w.pollInterval); err != nil {
				w.log.Error("requeue failed", "job", job.ID, "error", err.Error())
			}
			<-ticker.C
			continue
		}

		sem <- struct{}{}
		w.wg.Add(1)
		go func(job *Job) {
			defer func() { <-sem; w.wg.Done() }()
			w.execute(ctx, job)
		}(job)
	}
}

// execute runs one job through the processor and folds the result back.
func (w *Worker) execute(ctx context.Context, job *Job) {
	node, ok := w.wf.NodeByID(job.NodeID)
	if !ok {
		_ = w.engine.HandleNodeResult(w.wf, job,
			Fail(fmt.Sprintf("unknown node %s", job.NodeID), workflow.ErrorPermanent))
		return
	}

	inst, err := w.markRunning(job)
	if err != nil {
		w.log.Error("mark running failed", "node", job.NodeID, "error", err.Error())
		return
	}

	w.bus.Emit(events.Event{Kind: events.NodeStarted, TaskID: w.instanceID, NodeID: job.NodeID,
		Data: map[string]interface{}{"type": string(node.Type), "attempt": inst.NodeStates[job.NodeID].Attempts}})

	nodeCtx := ctx
	cancel := context.CancelFunc(func() {})
	if t := w.nodeTimeout(node); t > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, t)
	}
	defer cancel()

	pc := &ProcessContext{
		TaskID:   w.instanceID,
		Workflow: w.wf,
		Instance: inst,
		Node:     node,
		Job:      job,
		Store:    w.store,
		Queue:    w.engine.Queue(),
		Bus:      w.bus,
		Log:      w.log.WithFields(map[string]interface{}{"node": node.ID, "type": string(node.Type)}),
		EvalCtx:  EvalContext(inst),
	}

	res := w.safeProcess(nodeCtx, pc)
	if nodeCtx.Err() == context.DeadlineExceeded && !res.Success {
		res = Fail(fmt.Sprintf("node %s timed out", node.ID), workflow.ErrorTransient)
	}
	metrics.NodesExecuted.WithLabelValues(string(node.Type), resultOutcome(res)).Inc()

	if err := w.engine.HandleNodeResult(w.wf, job, res); err != nil {
		w.log.Error("result handling failed", "node", job.NodeID, "error", err.Error())
	}
}

// safeProcess shields the worker from a panicking handler.
func (w *Worker) safeProcess(ctx context.Context, pc *ProcessContext) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("node handler panicked", "node", pc.Node.ID, "panic", fmt.Sprint(r))
			res = Fail(fmt.Sprintf("handler panic: %v", r), workflow.ErrorPermanent)
		}
	}()
	return w.processor.Process(ctx, pc)
}

// markRunning transitions the node to running under the queue lock and
// returns the fresh instance snapshot the handler will see.
func (w *Worker) markRunning(job *Job) (*workflow.Instance, error) {
	var inst *workflow.Instance
	err := w.engine.Queue().Lock().WithLock(func() error {
		var err error
		inst, err = w.store.LoadInstance(w.instanceID)
		if err != nil || inst == nil {
			return fmt.Errorf("load instance %s: %v", w.instanceID, err)
		}
		workflow.MarkNodeRunning(inst, job.NodeID)
		return w.store.SaveInstance(w.instanceID, inst)
	})
	return inst, err
}

func resultOutcome(res *Result) string {
	switch {
	case res.Suspend:
		return "suspended"
	case res.RequeueAfter > 0:
		return "requeued"
	case res.Success:
		return "success"
	default:
		return "failure"
	}
}

func (w *Worker) nodeTimeout(n *workflow.Node) time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	if w.wf.Settings.NodeTimeoutMs > 0 {
		return time.Duration(w.wf.Settings.NodeTimeoutMs) * time.Millisecond
	}
	return DefaultNodeTimeout
}
