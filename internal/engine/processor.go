package engine

import (
	"context"
	"time"

	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

// Processor executes one node. The node package provides the implementation;
// the engine only knows this contract.
type Processor interface {
	Process(ctx context.Context, pc *ProcessContext) *Result
}

// ProcessContext carries everything a node handler may need. Instance is a
// snapshot taken at dispatch; handlers must not persist it themselves, the
// engine folds the Result back in under the queue lock.
type ProcessContext struct {
	TaskID   string
	Workflow *workflow.Workflow
	Instance *workflow.Instance
	Node     *workflow.Node
	Job      *Job
	Store    *task.Store
	Queue    *Queue
	Bus      *events.Bus
	Log      logger.Logger
	EvalCtx  *expression.Context

	// Messages are the user messages drained at dispatch, in arrival order.
	// Prompt-building handlers fold them into the next backend call.
	Messages []*task.Message
}

// Result is a node handler's verdict, folded into instance and queue state by
// the engine.
type Result struct {
	Success  bool
	Output   map[string]interface{}
	Error    string
	Category workflow.ErrorCategory

	// Suspend parks the job as waiting-human until an approval wakes it.
	Suspend bool

	// RequeueAfter re-queues the same job after the delay without finishing
	// the node. Used by delay, schedule and polling loop handlers.
	RequeueAfter time.Duration

	// NextNodes restricts routing to the named targets. Nil means every
	// outgoing edge whose condition passes; an empty non-nil slice routes
	// nowhere.
	NextNodes []string

	// Variables are folded into the instance variables on success. Dotted
	// keys address nested maps.
	Variables map[string]interface{}
}

// Succeed builds a successful result.
func Succeed(output map[string]interface{}) *Result {
	return &Result{Success: true, Output: output}
}

// Fail builds a failed result with a classification.
func Fail(err string, category workflow.ErrorCategory) *Result {
	if category == "" {
		category = workflow.ErrorUnknown
	}
	return &Result{Success: false, Error: err, Category: category}
}
