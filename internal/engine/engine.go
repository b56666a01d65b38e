package engine

import (
	"fmt"
	"time"

	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

// Engine owns the dispatch rules: which nodes may run, where results route,
// and when an instance is finished. All instance mutations happen under the
// queue lock so queue and instance never diverge.
type Engine struct {
	store *task.Store
	queue *Queue
	bus   *events.Bus
	log   logger.Logger
}

// New creates an engine.
func New(store *task.Store, queue *Queue, bus *events.Bus, log logger.Logger) *Engine {
	return &Engine{store: store, queue: queue, bus: bus, log: log}
}

// Queue returns the engine's job queue.
func (e *Engine) Queue() *Queue { return e.queue }

// Start seeds a pending instance: marks it running and enqueues the start
// node. Idempotent for an already running instance.
func (e *Engine) Start(w *workflow.Workflow, inst *workflow.Instance) error {
	start, ok := w.StartNode()
	if !ok {
		return fmt.Errorf("workflow %s has no start node", w.ID)
	}
	return e.queue.Lock().WithLock(func() error {
		if inst.Status == workflow.InstancePending {
			now := time.Now().UTC()
			inst.Status = workflow.InstanceRunning
			inst.StartedAt = &now
		}
		if err := e.store.SaveInstance(inst.ID, inst); err != nil {
			return err
		}
		if workflow.IsNodeRunnable(inst.NodeStates[start.ID]) {
			if err := e.queue.Enqueue(NewNodeJob(inst, start.ID, 0)); err != nil {
				return err
			}
		}
		e.bus.Emit(events.Event{Kind: events.WorkflowStarted, TaskID: inst.ID})
		return nil
	})
}

// CanExecuteNode reports whether a node's dependencies are satisfied: every
// inbound source must be done or skipped before the node may run. Back edges
// (those bounded by maxLoops) never gate readiness, otherwise a cycle could
// not start its first pass. Start nodes are always ready. Edge conditions are
// applied during dispatch, not here.
func CanExecuteNode(w *workflow.Workflow, inst *workflow.Instance, nodeID string) bool {
	n, ok := w.NodeByID(nodeID)
	if !ok {
		return false
	}
	if n.Type == workflow.NodeStart {
		return true
	}
	for _, edge := range w.IncomingEdges(nodeID) {
		if edge.MaxLoops > 0 {
			continue
		}
		if !workflow.IsNodeCompleted(inst.NodeStates[edge.From]) {
			return false
		}
	}
	return true
}

// ReadyNodes returns the runnable nodes whose dependencies are satisfied.
// Used when resuming an interrupted instance to rebuild the queue.
func ReadyNodes(w *workflow.Workflow, inst *workflow.Instance) []string {
	var ready []string
	for _, n := range w.Nodes {
		if workflow.IsNodeRunnable(inst.NodeStates[n.ID]) && CanExecuteNode(w, inst, n.ID) {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// HandleNodeResult folds a handler result into the instance and the queue:
// node state, outputs, downstream routing, retries and completion detection.
// The whole fold runs in one critical section.
func (e *Engine) HandleNodeResult(w *workflow.Workflow, job *Job, res *Result) error {
	return e.queue.Lock().WithLock(func() error {
		inst, err := e.store.LoadInstance(job.InstanceID)
		if err != nil {
			e.log.Warn("instance reload failed, folding into dispatch snapshot",
				"instance", job.InstanceID, "error", err.Error())
		}
		if inst == nil {
			return fmt.Errorf("instance %s not found", job.InstanceID)
		}
		if inst.Status.Terminal() || inst.Status == workflow.InstancePaused {
			return e.queue.Complete(job.ID)
		}

		switch {
		case res.Suspend:
			workflow.MarkNodeWaiting(inst, job.NodeID)
			if err := e.queue.MarkWaitingHuman(job.ID); err != nil {
				return err
			}
			e.bus.Emit(events.Event{Kind: events.NodeWaiting, TaskID: inst.ID, NodeID: job.NodeID})

		case res.RequeueAfter > 0:
			if err := e.queue.Requeue(job.ID, res.RequeueAfter); err != nil {
				return err
			}

		case res.Success:
			workflow.MarkNodeDone(inst, job.NodeID)
			if res.Output != nil {
				inst.Outputs[job.NodeID] = res.Output
			}
			for k, v := range res.Variables {
				expression.SetPath(inst.Variables, k, v)
			}
			if err := e.queue.Complete(job.ID); err != nil {
				return err
			}
			e.bus.Emit(events.Event{Kind: events.NodeCompleted, TaskID: inst.ID, NodeID: job.NodeID})
			if err := e.routeDownstream(w, inst, job, res.NextNodes); err != nil {
				return err
			}
			e.bus.Emit(events.Event{Kind: events.WorkflowProgress, TaskID: inst.ID, NodeID: job.NodeID,
				Data: map[string]interface{}{"progress": workflow.Progress(w, inst)}})

		default:
			if err := e.handleFailure(w, inst, job, res); err != nil {
				return err
			}
		}

		e.finalize(w, inst)
		return e.store.SaveInstance(inst.ID, inst)
	})
}

// handleFailure applies the node's onError policy.
func (e *Engine) handleFailure(w *workflow.Workflow, inst *workflow.Instance, job *Job, res *Result) error {
	n, _ := w.NodeByID(job.NodeID)
	policy := workflow.OnErrorFail
	if n != nil && n.OnError != "" {
		policy = n.OnError
	}

	switch policy {
	case workflow.OnErrorSkip:
		workflow.MarkNodeSkipped(inst, job.NodeID)
		if err := e.queue.Complete(job.ID); err != nil {
			return err
		}
		e.bus.Emit(events.Event{Kind: events.NodeSkipped, TaskID: inst.ID, NodeID: job.NodeID,
			Data: map[string]interface{}{"error": res.Error}})
		return e.routeDownstream(w, inst, job, nil)

	case workflow.OnErrorContinue:
		workflow.MarkNodeDone(inst, job.NodeID)
		s := inst.NodeStates[job.NodeID]
		s.Error = res.Error
		s.ErrorCategory = res.Category
		if err := e.queue.Complete(job.ID); err != nil {
			return err
		}
		e.bus.Emit(events.Event{Kind: events.NodeCompleted, TaskID: inst.ID, NodeID: job.NodeID,
			Data: map[string]interface{}{"error": res.Error}})
		return e.routeDownstream(w, inst, job, nil)
	}

	workflow.MarkNodeFailed(inst, job.NodeID, res.Error, res.Category)
	e.bus.Emit(events.Event{Kind: events.NodeFailed, TaskID: inst.ID, NodeID: job.NodeID,
		Data: map[string]interface{}{"error": res.Error, "category": string(res.Category)}})

	maxAttempts := nodeMaxAttempts(n)
	if res.Category == workflow.ErrorPermanent {
		return e.queue.Complete(job.ID)
	}
	requeued, err := e.queue.Fail(job.ID, res.Error, maxAttempts)
	if err != nil {
		return err
	}
	if requeued {
		// The retry will re-run the node; return it to pending, keeping the
		// attempt count for the backoff and limit checks.
		attempts := inst.NodeStates[job.NodeID].Attempts
		workflow.ResetNode(inst, job.NodeID)
		inst.NodeStates[job.NodeID].Attempts = attempts
		inst.NodeStates[job.NodeID].Status = workflow.NodePending
		e.log.Info("node retry scheduled",
			"node", job.NodeID, "attempt", attempts)
	}
	return nil
}

// routeDownstream evaluates the outgoing edges of a finished node, enforces
// loop bounds and enqueues the surviving targets. nextNodes, when non-nil,
// restricts routing (switch handlers use it).
func (e *Engine) routeDownstream(w *workflow.Workflow, inst *workflow.Instance, job *Job, nextNodes []string) error {
	allowed := map[string]bool{}
	for _, id := range nextNodes {
		allowed[id] = true
	}

	evalCtx := EvalContext(inst)
	var jobs []*Job
	for _, edge := range w.OutgoingEdges(job.NodeID) {
		if nextNodes != nil && !allowed[edge.To] {
			e.propagateSkip(w, inst, edge.To)
			continue
		}
		if !e.edgePasses(edge, evalCtx, inst) {
			e.propagateSkip(w, inst, edge.To)
			continue
		}
		if edge.MaxLoops > 0 {
			if inst.LoopCounts[edge.ID] >= edge.MaxLoops {
				e.log.Warn("loop bound reached, edge not taken",
					"edge", edge.ID, "maxLoops", edge.MaxLoops)
				continue
			}
			inst.LoopCounts[edge.ID]++
			// Re-entry through a back edge runs the finished target again.
			// Forward edges never reset a completed node.
			if workflow.IsNodeCompleted(inst.NodeStates[edge.To]) {
				workflow.ResetNode(inst, edge.To)
			}
		}
		if !workflow.IsNodeRunnable(inst.NodeStates[edge.To]) {
			continue
		}
		jobs = append(jobs, NewNodeJob(inst, edge.To, job.Priority))
	}
	return e.queue.EnqueueBatch(jobs)
}

// edgePasses evaluates an edge condition. Unparseable conditions evaluate to
// false with a warning, never abort dispatch.
func (e *Engine) edgePasses(edge workflow.Edge, ctx *expression.Context, inst *workflow.Instance) bool {
	cond := edge.Condition
	if cond == "" && edge.Label != "" {
		// Labeled edges out of a condition node route on the boolean result.
		if out, ok := inst.Outputs[edge.From].(map[string]interface{}); ok {
			if result, ok := out["result"]; ok {
				return expression.Stringify(result) == edge.Label
			}
		}
		return true
	}
	if cond == "" {
		return true
	}
	pass, err := expression.EvalBool(cond, ctx)
	if err != nil {
		e.log.Warn("edge condition failed to evaluate, treating as false",
			"edge", edge.ID, "condition", cond, "error", err.Error())
	}
	return pass
}

// propagateSkip marks a node skipped when no incoming edge can fire anymore,
// then recurses so dead branches never wedge a downstream join.
func (e *Engine) propagateSkip(w *workflow.Workflow, inst *workflow.Instance, nodeID string) {
	s := inst.NodeStates[nodeID]
	if s == nil || !workflow.IsNodeRunnable(s) {
		return
	}
	for _, edge := range w.IncomingEdges(nodeID) {
		src := inst.NodeStates[edge.From]
		if src == nil {
			continue
		}
		// A live or successfully finished source may still fire this node.
		if src.Status != workflow.NodeSkipped && src.Status != workflow.NodeFailed {
			if src.Status != workflow.NodeDone {
				return
			}
			// Done source: only a false condition got us here, but another
			// done source with a passing edge keeps the node alive.
			if edge.Condition == "" && edge.Label == "" {
				return
			}
		}
	}
	workflow.MarkNodeSkipped(inst, nodeID)
	e.bus.Emit(events.Event{Kind: events.NodeSkipped, TaskID: inst.ID, NodeID: nodeID})
	for _, edge := range w.OutgoingEdges(nodeID) {
		e.propagateSkip(w, inst, edge.To)
	}
}

// finalize checks completion and stamps the terminal instance status.
func (e *Engine) finalize(w *workflow.Workflow, inst *workflow.Instance) {
	if inst.Status.Terminal() {
		return
	}
	completed, failed, failedNode := workflow.CheckCompletion(w, inst)
	now := time.Now().UTC()
	switch {
	case completed:
		inst.Status = workflow.InstanceCompleted
		inst.CompletedAt = &now
		_ = e.queue.RemoveInstanceJobs(inst.ID)
		e.bus.Emit(events.Event{Kind: events.WorkflowCompleted, TaskID: inst.ID})
	case failed:
		inst.Status = workflow.InstanceFailed
		inst.CompletedAt = &now
		if s := inst.NodeStates[failedNode]; s != nil {
			inst.Error = fmt.Sprintf("node %s failed: %s", failedNode, s.Error)
		}
		_ = e.queue.RemoveInstanceJobs(inst.ID)
		e.bus.Emit(events.Event{Kind: events.WorkflowFailed, TaskID: inst.ID,
			Data: map[string]interface{}{"node": failedNode, "error": inst.Error}})
	}
}

// Pause parks a running instance. In-flight nodes finish; nothing new starts.
func (e *Engine) Pause(inst *workflow.Instance) error {
	return e.queue.Lock().WithLock(func() error {
		if inst.Status != workflow.InstanceRunning {
			return fmt.Errorf("instance %s is %s, not running", inst.ID, inst.Status)
		}
		now := time.Now().UTC()
		inst.Status = workflow.InstancePaused
		inst.PausedAt = &now
		e.bus.Emit(events.Event{Kind: events.WorkflowPaused, TaskID: inst.ID})
		return e.store.SaveInstance(inst.ID, inst)
	})
}

// Resume restarts a paused or interrupted instance: running nodes return to
// pending, active jobs return to waiting, and ready nodes are re-enqueued.
func (e *Engine) Resume(w *workflow.Workflow, inst *workflow.Instance) error {
	return e.queue.Lock().WithLock(func() error {
		for id, s := range inst.NodeStates {
			if s.Status == workflow.NodeRunning {
				attempts := s.Attempts
				workflow.ResetNode(inst, id)
				inst.NodeStates[id].Attempts = attempts
			}
		}
		inst.Status = workflow.InstanceRunning
		inst.PausedAt = nil
		if err := e.queue.ResetActive(inst.ID); err != nil {
			return err
		}
		var jobs []*Job
		for _, id := range ReadyNodes(w, inst) {
			jobs = append(jobs, NewNodeJob(inst, id, 0))
		}
		if err := e.queue.EnqueueBatch(jobs); err != nil {
			return err
		}
		return e.store.SaveInstance(inst.ID, inst)
	})
}

// Cancel terminates an instance and drops its jobs.
func (e *Engine) Cancel(inst *workflow.Instance, reason string) error {
	return e.queue.Lock().WithLock(func() error {
		if inst.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		inst.Status = workflow.InstanceCancelled
		inst.CompletedAt = &now
		inst.Error = reason
		if err := e.queue.RemoveInstanceJobs(inst.ID); err != nil {
			return err
		}
		return e.store.SaveInstance(inst.ID, inst)
	})
}

// EvalContext builds the expression environment from an instance snapshot.
func EvalContext(inst *workflow.Instance) *expression.Context {
	ctx := expression.NewContext()
	for k, v := range inst.Variables {
		ctx.Variables[k] = v
	}
	for k, v := range inst.Outputs {
		ctx.Outputs[k] = v
	}
	return ctx
}

func nodeMaxAttempts(n *workflow.Node) int {
	if n != nil && n.Retry != nil && n.Retry.MaxAttempts > 0 {
		return n.Retry.MaxAttempts
	}
	return workflow.DefaultMaxAttempts
}
