package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// InjectNode splices a new node into a live workflow after the anchor node:
// every anchor -> X edge is rewired to newNode -> X and a fresh anchor ->
// newNode edge is added. An empty anchorID anchors on the currently running
// node, falling back to the most recently finished one. Workflow, instance and
// node state are updated in one critical section so a crash never leaves them
// disagreeing.
//
// Injection after an already finished anchor enqueues the new node
// immediately; otherwise it runs when the anchor completes.
func (e *Engine) InjectNode(taskID string, anchorID string, node workflow.Node) error {
	return e.queue.Lock().WithLock(func() error {
		w, err := e.store.LoadWorkflow(taskID)
		if err != nil || w == nil {
			return fmt.Errorf("load workflow %s: %v", taskID, err)
		}
		inst, err := e.store.LoadInstance(taskID)
		if err != nil || inst == nil {
			return fmt.Errorf("load instance %s: %v", taskID, err)
		}
		if inst.Status.Terminal() {
			return fmt.Errorf("instance %s is %s, cannot inject", taskID, inst.Status)
		}
		if anchorID == "" {
			anchorID = defaultAnchor(inst)
			if anchorID == "" {
				return fmt.Errorf("no running or finished node to anchor on in %s", taskID)
			}
		}
		if _, ok := w.NodeByID(anchorID); !ok {
			return fmt.Errorf("anchor node %s not found", anchorID)
		}
		if node.ID == "" {
			node.ID = "injected-" + uuid.NewString()[:8]
		}
		if _, exists := w.NodeByID(node.ID); exists {
			return fmt.Errorf("node id %s already exists", node.ID)
		}

		for i := range w.Edges {
			if w.Edges[i].From == anchorID {
				w.Edges[i].From = node.ID
			}
		}
		w.Nodes = append(w.Nodes, node)
		w.Edges = append(w.Edges, workflow.Edge{
			ID:   "edge-" + uuid.NewString()[:8],
			From: anchorID,
			To:   node.ID,
		})
		if err := w.Validate(); err != nil {
			return fmt.Errorf("injection rejected: %w", err)
		}

		inst.NodeStates[node.ID] = &workflow.NodeState{Status: workflow.NodePending}

		if err := e.store.SaveWorkflow(taskID, w); err != nil {
			return err
		}
		if err := e.store.SaveInstance(taskID, inst); err != nil {
			return err
		}
		if workflow.IsNodeCompleted(inst.NodeStates[anchorID]) {
			return e.queue.Enqueue(NewNodeJob(inst, node.ID, 0))
		}
		return nil
	})
}

// defaultAnchor picks the currently running node, falling back to the most
// recently finished one.
func defaultAnchor(inst *workflow.Instance) string {
	anchor, best := "", time.Time{}
	for id, s := range inst.NodeStates {
		if s.Status != workflow.NodeRunning || s.StartedAt == nil {
			continue
		}
		if anchor == "" || s.StartedAt.After(best) {
			anchor, best = id, *s.StartedAt
		}
	}
	if anchor != "" {
		return anchor
	}
	for id, s := range inst.NodeStates {
		if !workflow.IsNodeCompleted(s) || s.CompletedAt == nil {
			continue
		}
		if anchor == "" || s.CompletedAt.After(best) {
			anchor, best = id, *s.CompletedAt
		}
	}
	return anchor
}
