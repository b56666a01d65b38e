// Package node implements the handler for every workflow node type. The
// registry maps a node's type tag to its handler; the engine calls through
// the Processor without knowing any concrete type.
package node

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// HandlerFunc executes one node type.
type HandlerFunc func(ctx context.Context, pc *engine.ProcessContext) *engine.Result

// Processor implements engine.Processor over a type registry.
type Processor struct {
	backends *backend.Registry
	registry map[workflow.NodeType]HandlerFunc
}

// NewProcessor builds the processor with every built-in handler registered.
func NewProcessor(backends *backend.Registry) *Processor {
	p := &Processor{backends: backends}
	p.registry = map[workflow.NodeType]HandlerFunc{
		workflow.NodeStart:     handleStart,
		workflow.NodeEnd:       handleEnd,
		workflow.NodeTask:      p.handleTask,
		workflow.NodeCondition: handleCondition,
		workflow.NodeParallel:  handleParallel,
		workflow.NodeJoin:      handleJoin,
		workflow.NodeHuman:     handleHuman,
		workflow.NodeDelay:     handleDelay,
		workflow.NodeSchedule:  handleSchedule,
		workflow.NodeLoop:      p.handleLoop,
		workflow.NodeSwitch:    handleSwitch,
		workflow.NodeAssign:    handleAssign,
		workflow.NodeScript:    handleScript,
		workflow.NodeForeach:   p.handleForeach,
	}
	return p
}

// Process implements engine.Processor. Pending user messages are drained once
// per dispatch, before any handler runs, so the next prompt-building node sees
// them whatever type executes in between.
func (p *Processor) Process(ctx context.Context, pc *engine.ProcessContext) *engine.Result {
	handler, ok := p.registry[pc.Node.Type]
	if !ok {
		return engine.Fail(fmt.Sprintf("no handler for node type %q", pc.Node.Type), workflow.ErrorPermanent)
	}
	if pc.Store != nil {
		if msgs, err := pc.Store.DrainMessages(pc.TaskID); err == nil && len(msgs) > 0 {
			pc.Messages = msgs
			pc.Log.Info("drained user messages", "count", len(msgs))
		}
	}
	return handler(ctx, pc)
}

// Classify maps an execution error to a retry category. Timeouts and
// infrastructure hiccups retry; configuration and validation problems do not.
func Classify(err error) workflow.ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case isAny(err, backend.ErrTimeout, backend.ErrCancelled):
		return workflow.ErrorTransient
	case isAny(err, backend.ErrConfig):
		return workflow.ErrorPermanent
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "429", "overloaded", "connection", "network",
		"temporarily", "502", "503", "504", "timeout"):
		return workflow.ErrorTransient
	case containsAny(msg, "invalid", "permission", "unauthorized", "forbidden", "not found"):
		return workflow.ErrorPermanent
	default:
		return workflow.ErrorUnknown
	}
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
