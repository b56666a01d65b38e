package workflow

import "time"

// Pure helpers over node and instance state. Mutating callers persist the
// instance under the queue lock; nothing here touches disk.

// IsNodeCompleted reports whether a node finished in a way that unblocks
// downstream nodes.
func IsNodeCompleted(s *NodeState) bool {
	return s != nil && (s.Status == NodeDone || s.Status == NodeSkipped)
}

// IsNodeRunnable reports whether a node may still be picked up.
func IsNodeRunnable(s *NodeState) bool {
	return s != nil && (s.Status == NodePending || s.Status == NodeReady)
}

// ActiveNodes returns the ids of nodes currently running or waiting.
func ActiveNodes(inst *Instance) []string {
	var ids []string
	for id, s := range inst.NodeStates {
		if s.Status == NodeRunning || s.Status == NodeWaiting {
			ids = append(ids, id)
		}
	}
	return ids
}

// PendingNodes returns the ids of runnable nodes.
func PendingNodes(inst *Instance) []string {
	var ids []string
	for id, s := range inst.NodeStates {
		if IsNodeRunnable(s) {
			ids = append(ids, id)
		}
	}
	return ids
}

// CompletedNodes returns the ids of done or skipped nodes.
func CompletedNodes(inst *Instance) []string {
	var ids []string
	for id, s := range inst.NodeStates {
		if IsNodeCompleted(s) {
			ids = append(ids, id)
		}
	}
	return ids
}

// FailedNodes returns the ids of failed nodes.
func FailedNodes(inst *Instance) []string {
	var ids []string
	for id, s := range inst.NodeStates {
		if s.Status == NodeFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Progress computes the completion ratio, excluding start and end nodes.
func Progress(w *Workflow, inst *Instance) float64 {
	total, done := 0, 0
	for _, n := range w.Nodes {
		if n.Type == NodeStart || n.Type == NodeEnd {
			continue
		}
		total++
		if IsNodeCompleted(inst.NodeStates[n.ID]) {
			done++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(done) / float64(total)
}

// DefaultMaxAttempts is the job retry limit when a node sets no policy.
const DefaultMaxAttempts = 3

// maxAttempts resolves the retry limit for a node.
func maxAttempts(n *Node) int {
	if n != nil && n.Retry != nil && n.Retry.MaxAttempts > 0 {
		return n.Retry.MaxAttempts
	}
	return DefaultMaxAttempts
}

// CheckCompletion inspects an instance against its workflow: the run is
// completed iff the end node is done; it is failed iff any node failed with
// its attempts exhausted.
func CheckCompletion(w *Workflow, inst *Instance) (completed, failed bool, failedNode string) {
	if end, ok := w.EndNode(); ok {
		if s := inst.NodeStates[end.ID]; s != nil && s.Status == NodeDone {
			return true, false, ""
		}
	}
	for id, s := range inst.NodeStates {
		if s.Status != NodeFailed {
			continue
		}
		n, _ := w.NodeByID(id)
		if s.Attempts >= maxAttempts(n) || s.ErrorCategory == ErrorPermanent {
			return false, true, id
		}
	}
	return false, false, ""
}

// MarkNodeRunning transitions a node to running and stamps startedAt. A node
// woken from a requeue is already running and keeps its attempt count.
func MarkNodeRunning(inst *Instance, nodeID string) {
	s := stateFor(inst, nodeID)
	now := time.Now().UTC()
	if s.Status != NodeRunning {
		s.Attempts++
		s.StartedAt = &now
	}
	s.Status = NodeRunning
}

// MarkNodeDone transitions a node to done and records its duration.
func MarkNodeDone(inst *Instance, nodeID string) {
	s := stateFor(inst, nodeID)
	finish(s, NodeDone)
	s.Error = ""
	s.ErrorCategory = ""
}

// MarkNodeFailed records a failure with its classification.
func MarkNodeFailed(inst *Instance, nodeID, errMsg string, category ErrorCategory) {
	s := stateFor(inst, nodeID)
	finish(s, NodeFailed)
	s.Error = errMsg
	s.ErrorCategory = category
}

// MarkNodeSkipped transitions a node to skipped.
func MarkNodeSkipped(inst *Instance, nodeID string) {
	finish(stateFor(inst, nodeID), NodeSkipped)
}

// MarkNodeWaiting parks a human node until approval.
func MarkNodeWaiting(inst *Instance, nodeID string) {
	stateFor(inst, nodeID).Status = NodeWaiting
}

// ResetNode returns a node to pending, keeping its attempt count.
func ResetNode(inst *Instance, nodeID string) {
	s := stateFor(inst, nodeID)
	s.Status = NodePending
	s.StartedAt = nil
	s.CompletedAt = nil
	s.DurationMs = 0
}

func stateFor(inst *Instance, nodeID string) *NodeState {
	s, ok := inst.NodeStates[nodeID]
	if !ok {
		s = &NodeState{Status: NodePending}
		inst.NodeStates[nodeID] = s
	}
	return s
}

func finish(s *NodeState, status NodeStatus) {
	now := time.Now().UTC()
	s.Status = status
	s.CompletedAt = &now
	if s.StartedAt != nil {
		s.DurationMs = now.Sub(*s.StartedAt).Milliseconds()
	}
}
