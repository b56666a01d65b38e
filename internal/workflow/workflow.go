// Package workflow defines the workflow graph model and its runtime instance
// state. Graphs are plain data keyed by node id; cycles are legal and bounded
// by per-edge loop limits.
package workflow

import "time"

// NodeType identifies a node's behavior. The set is closed; the node handler
// registry maps each tag to an executor.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeCondition NodeType = "condition"
	NodeParallel  NodeType = "parallel"
	NodeJoin      NodeType = "join"
	NodeHuman     NodeType = "human"
	NodeDelay     NodeType = "delay"
	NodeSchedule  NodeType = "schedule"
	NodeLoop      NodeType = "loop"
	NodeSwitch    NodeType = "switch"
	NodeAssign    NodeType = "assign"
	NodeScript    NodeType = "script"
	NodeForeach   NodeType = "foreach"
)

// OnError selects what a node failure does to the workflow.
type OnError string

const (
	OnErrorFail     OnError = "fail"
	OnErrorSkip     OnError = "skip"
	OnErrorContinue OnError = "continue"
)

// Workflow is the plan synthesized for a task: a directed graph of typed
// nodes. It is immutable after planning except for dynamic node injection.
type Workflow struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"taskId,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Nodes       []Node                 `json:"nodes"`
	Edges       []Edge                 `json:"edges"`
	Variables   map[string]interface{} `json:"variables,omitempty"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Settings    Settings               `json:"settings"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Settings holds workflow-wide execution settings.
type Settings struct {
	// TimeoutMs bounds the whole workflow; zero means no bound.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
	// NodeTimeoutMs is the default per-node timeout when a node sets none.
	NodeTimeoutMs int64 `json:"nodeTimeoutMs,omitempty"`
}

// Node is a typed graph vertex. Per-type config lives in the optional
// pointers; exactly the fields for the node's type are set.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Name string   `json:"name"`

	// task
	Prompt  string `json:"prompt,omitempty"`
	Persona string `json:"persona,omitempty"`

	// condition and script share the expression field.
	Expression string `json:"expression,omitempty"`

	Delay    *DelayConfig    `json:"delay,omitempty"`
	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Loop     *LoopConfig     `json:"loop,omitempty"`
	Foreach  *ForeachConfig  `json:"foreach,omitempty"`
	Switch   *SwitchConfig   `json:"switch,omitempty"`
	Assign   *AssignConfig   `json:"assign,omitempty"`
	Script   *ScriptConfig   `json:"script,omitempty"`

	TimeoutMs int64        `json:"timeoutMs,omitempty"`
	OnError   OnError      `json:"onError,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy overrides the default job retry behavior for one node.
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts"`
	BackoffMs         int64   `json:"backoffMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
}

// Edge is a directed graph edge, optionally conditional. MaxLoops bounds how
// many times a cyclic edge may be traversed.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	MaxLoops  int    `json:"maxLoops,omitempty"`
	Label     string `json:"label,omitempty"`
}

// DelayConfig pauses the node for Value Units.
type DelayConfig struct {
	Value int64  `json:"value"`
	Unit  string `json:"unit"` // ms, s, m, h
}

// Millis converts the delay into milliseconds.
func (d DelayConfig) Millis() int64 {
	switch d.Unit {
	case "s", "seconds":
		return d.Value * 1000
	case "m", "minutes":
		return d.Value * 60 * 1000
	case "h", "hours":
		return d.Value * 60 * 60 * 1000
	default:
		return d.Value
	}
}

// ScheduleConfig defers the node to a cron next-fire instant or an absolute
// datetime, honoring the timezone.
type ScheduleConfig struct {
	Cron     string `json:"cron,omitempty"`
	Datetime string `json:"datetime,omitempty"` // RFC3339
	Timezone string `json:"timezone,omitempty"`
}

// LoopConfig repeats a body of nodes while/until a predicate holds or a
// counter range is exhausted.
type LoopConfig struct {
	Type          string   `json:"type"` // while, for, until
	Condition     string   `json:"condition,omitempty"`
	Init          int      `json:"init,omitempty"`
	End           int      `json:"end,omitempty"`
	Step          int      `json:"step,omitempty"`
	LoopVar       string   `json:"loopVar,omitempty"`
	BodyNodes     []string `json:"bodyNodes"`
	MaxIterations int      `json:"maxIterations,omitempty"`
}

// ForeachConfig runs a body once per element of a collection.
type ForeachConfig struct {
	Collection  string   `json:"collection"`
	ItemVar     string   `json:"itemVar"`
	IndexVar    string   `json:"indexVar,omitempty"`
	BodyNodes   []string `json:"bodyNodes"`
	Mode        string   `json:"mode,omitempty"` // sequential (default) or parallel
	MaxParallel int      `json:"maxParallel,omitempty"`
}

// SwitchConfig routes to the first case whose value matches the expression.
type SwitchConfig struct {
	Expression string       `json:"expression"`
	Cases      []SwitchCase `json:"cases"`
}

// SwitchCase maps one value (or the default) to a target node.
type SwitchCase struct {
	Value      string `json:"value,omitempty"`
	Default    bool   `json:"default,omitempty"`
	TargetNode string `json:"targetNode"`
}

// AssignConfig mutates workflow variables.
type AssignConfig struct {
	Assignments []Assignment `json:"assignments"`
}

// Assignment sets one variable, optionally from an expression. Dotted
// variable paths address nested maps.
type Assignment struct {
	Variable     string      `json:"variable"`
	Value        interface{} `json:"value,omitempty"`
	IsExpression bool        `json:"isExpression,omitempty"`
}

// ScriptConfig evaluates pure expressions; no I/O.
type ScriptConfig struct {
	Expression  string             `json:"expression,omitempty"`
	OutputVar   string             `json:"outputVar,omitempty"`
	Assignments []ScriptAssignment `json:"assignments,omitempty"`
}

// ScriptAssignment binds one expression result to a variable.
type ScriptAssignment struct {
	Variable   string `json:"variable"`
	Expression string `json:"expression"`
}

// NodeByID returns the node with the given id.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// StartNode returns the workflow's start node.
func (w *Workflow) StartNode() (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeStart {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// EndNode returns the workflow's end node.
func (w *Workflow) EndNode() (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeEnd {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// IncomingEdges returns the edges terminating at nodeID.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// OutgoingEdges returns the edges originating at nodeID.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}
