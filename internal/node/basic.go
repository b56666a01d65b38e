package node

import (
	"context"
	"time"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

func handleStart(_ context.Context, _ *engine.ProcessContext) *engine.Result {
	return engine.Succeed(map[string]interface{}{
		"startedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleEnd resolves the workflow's declared outputs from the final variable
// and output state.
func handleEnd(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	out := map[string]interface{}{
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}
	for name, ref := range pc.Workflow.Outputs {
		refStr, ok := ref.(string)
		if !ok {
			out[name] = ref
			continue
		}
		if v, found := pc.EvalCtx.Resolve(refStr); found {
			out[name] = v
		} else {
			out[name] = expression.ExpandTemplate(refStr, pc.EvalCtx)
		}
	}
	return engine.Succeed(out)
}

// handleCondition evaluates the node expression to a boolean. An unparseable
// expression is false, never a node failure; the gap is logged, the workflow
// routes on.
func handleCondition(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	expr := pc.Node.Expression
	result, err := expression.EvalBool(expr, pc.EvalCtx)
	if err != nil {
		pc.Log.Warn("condition failed to evaluate, treating as false",
			"expression", expr, "error", err.Error())
	}
	return engine.Succeed(map[string]interface{}{
		"result":     result,
		"expression": expr,
	})
}

// handleParallel is a pure fan-out point; the engine enqueues every outgoing
// branch.
func handleParallel(_ context.Context, _ *engine.ProcessContext) *engine.Result {
	return engine.Succeed(map[string]interface{}{"fanOut": true})
}

// handleJoin is a pure convergence point; readiness gating happens in the
// engine before dispatch.
func handleJoin(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	merged := map[string]interface{}{}
	for _, edge := range pc.Workflow.IncomingEdges(pc.Node.ID) {
		if out, ok := pc.Instance.Outputs[edge.From]; ok {
			merged[edge.From] = out
		}
	}
	return engine.Succeed(map[string]interface{}{"merged": merged})
}

// handleSwitch routes to the first case whose value equals the evaluated
// expression, falling back to the default case. No match and no default
// routes nowhere.
func handleSwitch(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Switch
	if cfg == nil {
		return engine.Succeed(map[string]interface{}{"matched": false})
	}
	value, err := expression.Eval(cfg.Expression, pc.EvalCtx)
	if err != nil {
		pc.Log.Warn("switch expression failed to evaluate",
			"expression", cfg.Expression, "error", err.Error())
	}
	got := expression.Stringify(value)

	var defaultTarget string
	for _, c := range cfg.Cases {
		if c.Default {
			defaultTarget = c.TargetNode
			continue
		}
		if c.Value == got {
			res := engine.Succeed(map[string]interface{}{"matched": true, "value": got, "target": c.TargetNode})
			res.NextNodes = []string{c.TargetNode}
			return res
		}
	}
	if defaultTarget != "" {
		res := engine.Succeed(map[string]interface{}{"matched": false, "value": got, "target": defaultTarget})
		res.NextNodes = []string{defaultTarget}
		return res
	}
	res := engine.Succeed(map[string]interface{}{"matched": false, "value": got})
	res.NextNodes = []string{}
	return res
}

// handleAssign writes variables. Expression assignments evaluate against the
// current context; plain values pass through, with string values template
// expanded.
func handleAssign(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Assign
	vars := map[string]interface{}{}
	if cfg != nil {
		for _, a := range cfg.Assignments {
			switch {
			case a.IsExpression:
				str, _ := a.Value.(string)
				v, err := expression.Eval(str, pc.EvalCtx)
				if err != nil {
					pc.Log.Warn("assignment expression failed, skipped",
						"variable", a.Variable, "error", err.Error())
					continue
				}
				vars[a.Variable] = v
			default:
				if str, ok := a.Value.(string); ok {
					vars[a.Variable] = expression.ExpandTemplate(str, pc.EvalCtx)
				} else {
					vars[a.Variable] = a.Value
				}
			}
			// Later assignments in the same node see earlier ones.
			if v, ok := vars[a.Variable]; ok {
				pc.EvalCtx.SetVariable(a.Variable, v)
			}
		}
	}
	res := engine.Succeed(map[string]interface{}{"assigned": len(vars)})
	res.Variables = vars
	return res
}

// handleScript evaluates pure expressions into variables; there is no host
// code execution.
func handleScript(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Script
	vars := map[string]interface{}{}
	out := map[string]interface{}{}
	if cfg != nil {
		if cfg.Expression != "" {
			v, err := expression.Eval(cfg.Expression, pc.EvalCtx)
			if err != nil {
				return engine.Fail("script expression: "+err.Error(), Classify(err))
			}
			out["result"] = v
			if cfg.OutputVar != "" {
				vars[cfg.OutputVar] = v
				pc.EvalCtx.SetVariable(cfg.OutputVar, v)
			}
		}
		for _, a := range cfg.Assignments {
			v, err := expression.Eval(a.Expression, pc.EvalCtx)
			if err != nil {
				return engine.Fail("script assignment "+a.Variable+": "+err.Error(), Classify(err))
			}
			vars[a.Variable] = v
			pc.EvalCtx.SetVariable(a.Variable, v)
		}
	}
	res := engine.Succeed(out)
	res.Variables = vars
	return res
}
