package workflow

import "time"

// InstanceStatus is the workflow instance lifecycle state.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceCompleted, InstanceFailed, InstanceCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the per-node state machine: pending → ready → running →
// (done | failed | skipped | waiting). waiting is only legal for human nodes.
type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeReady   NodeStatus = "ready"
	NodeRunning NodeStatus = "running"
	NodeWaiting NodeStatus = "waiting"
	NodeDone    NodeStatus = "done"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
)

// ErrorCategory classifies node failures for retry policy.
type ErrorCategory string

const (
	ErrorTransient   ErrorCategory = "transient"
	ErrorRecoverable ErrorCategory = "recoverable"
	ErrorPermanent   ErrorCategory = "permanent"
	ErrorUnknown     ErrorCategory = "unknown"
)

// NodeState tracks one node's execution within an instance.
type NodeState struct {
	Status        NodeStatus             `json:"status"`
	StartedAt     *time.Time             `json:"startedAt,omitempty"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	Attempts      int                    `json:"attempts"`
	Error         string                 `json:"error,omitempty"`
	ErrorCategory ErrorCategory          `json:"errorCategory,omitempty"`
	DurationMs    int64                  `json:"durationMs,omitempty"`
	Snapshot      map[string]interface{} `json:"snapshot,omitempty"`
}

// Instance is the mutable execution state of one workflow run and the single
// source of truth for progress. NodeStates keys always equal the workflow's
// node ids; dynamic injection adds keys to both atomically.
type Instance struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	Status      InstanceStatus         `json:"status"`
	NodeStates  map[string]*NodeState  `json:"nodeStates"`
	Variables   map[string]interface{} `json:"variables"`
	Outputs     map[string]interface{} `json:"outputs"`
	LoopCounts  map[string]int         `json:"loopCounts"`
	ActiveLoops map[string][]string    `json:"activeLoops,omitempty"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	PausedAt    *time.Time             `json:"pausedAt,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewInstance creates a pending instance for a workflow, with one pending
// node state per node.
func NewInstance(id string, w *Workflow) *Instance {
	inst := &Instance{
		ID:          id,
		WorkflowID:  w.ID,
		Status:      InstancePending,
		NodeStates:  make(map[string]*NodeState, len(w.Nodes)),
		Variables:   map[string]interface{}{},
		Outputs:     map[string]interface{}{},
		LoopCounts:  map[string]int{},
		ActiveLoops: map[string][]string{},
	}
	for k, v := range w.Variables {
		inst.Variables[k] = v
	}
	for _, n := range w.Nodes {
		inst.NodeStates[n.ID] = &NodeState{Status: NodePending}
	}
	return inst
}
