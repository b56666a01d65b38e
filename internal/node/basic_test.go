package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

// simplePC builds a context for handlers that touch neither store nor queue.
func simplePC(n *workflow.Node, ctx *expression.Context) *engine.ProcessContext {
	if ctx == nil {
		ctx = expression.NewContext()
	}
	return &engine.ProcessContext{Node: n, EvalCtx: ctx, Log: logger.Nop()}
}

func TestConditionEvaluatesExpression(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["count"] = float64(5)

	res := handleCondition(context.Background(), simplePC(&workflow.Node{
		ID: "check", Type: workflow.NodeCondition, Expression: "count > 3",
	}, ctx))
	require.True(t, res.Success)
	assert.Equal(t, true, res.Output["result"])

	res = handleCondition(context.Background(), simplePC(&workflow.Node{
		ID: "check", Type: workflow.NodeCondition, Expression: "count > 10",
	}, ctx))
	require.True(t, res.Success)
	assert.Equal(t, false, res.Output["result"])
}

func TestConditionParseErrorIsFalseNotFailure(t *testing.T) {
	res := handleCondition(context.Background(), simplePC(&workflow.Node{
		ID: "check", Type: workflow.NodeCondition, Expression: "count >< ???",
	}, nil))
	require.True(t, res.Success, "a broken condition routes false, it does not fail the node")
	assert.Equal(t, false, res.Output["result"])
}

func TestSwitchRoutesMatchedCase(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["env"] = "staging"
	n := &workflow.Node{
		ID: "route", Type: workflow.NodeSwitch,
		Switch: &workflow.SwitchConfig{
			Expression: "env",
			Cases: []workflow.SwitchCase{
				{Value: "prod", TargetNode: "deploy-prod"},
				{Value: "staging", TargetNode: "deploy-staging"},
				{Default: true, TargetNode: "noop"},
			},
		},
	}

	res := handleSwitch(context.Background(), simplePC(n, ctx))
	require.True(t, res.Success)
	assert.Equal(t, []string{"deploy-staging"}, res.NextNodes)
}

func TestSwitchFallsBackToDefault(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["env"] = "qa"
	n := &workflow.Node{
		ID: "route", Type: workflow.NodeSwitch,
		Switch: &workflow.SwitchConfig{
			Expression: "env",
			Cases: []workflow.SwitchCase{
				{Value: "prod", TargetNode: "deploy-prod"},
				{Default: true, TargetNode: "noop"},
			},
		},
	}

	res := handleSwitch(context.Background(), simplePC(n, ctx))
	require.True(t, res.Success)
	assert.Equal(t, []string{"noop"}, res.NextNodes)
}

func TestSwitchNoMatchRoutesNowhere(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["env"] = "qa"
	n := &workflow.Node{
		ID: "route", Type: workflow.NodeSwitch,
		Switch: &workflow.SwitchConfig{
			Expression: "env",
			Cases:      []workflow.SwitchCase{{Value: "prod", TargetNode: "deploy-prod"}},
		},
	}

	res := handleSwitch(context.Background(), simplePC(n, ctx))
	require.True(t, res.Success)
	require.NotNil(t, res.NextNodes)
	assert.Empty(t, res.NextNodes)
}

func TestAssignExpressionsAndTemplates(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["base"] = float64(10)
	n := &workflow.Node{
		ID: "set", Type: workflow.NodeAssign,
		Assign: &workflow.AssignConfig{Assignments: []workflow.Assignment{
			{Variable: "doubled", Value: "base * 2", IsExpression: true},
			{Variable: "label", Value: "value is {{doubled}}"},
			{Variable: "flag", Value: true},
		}},
	}

	res := handleAssign(context.Background(), simplePC(n, ctx))
	require.True(t, res.Success)
	assert.Equal(t, float64(20), res.Variables["doubled"])
	assert.Equal(t, "value is 20", res.Variables["label"], "later assignments see earlier ones")
	assert.Equal(t, true, res.Variables["flag"])
}

func TestScriptExpressionAndAssignments(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["n"] = float64(4)
	n := &workflow.Node{
		ID: "calc", Type: workflow.NodeScript,
		Script: &workflow.ScriptConfig{
			Expression: "n * n",
			OutputVar:  "squared",
			Assignments: []workflow.ScriptAssignment{
				{Variable: "plusOne", Expression: "squared + 1"},
			},
		},
	}

	res := handleScript(context.Background(), simplePC(n, ctx))
	require.True(t, res.Success)
	assert.Equal(t, float64(16), res.Output["result"])
	assert.Equal(t, float64(16), res.Variables["squared"])
	assert.Equal(t, float64(17), res.Variables["plusOne"])
}

func TestScriptFailureOnBadExpression(t *testing.T) {
	n := &workflow.Node{
		ID: "calc", Type: workflow.NodeScript,
		Script: &workflow.ScriptConfig{Expression: "1 / 0"},
	}
	res := handleScript(context.Background(), simplePC(n, nil))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "script expression")
}

func TestEndResolvesDeclaredOutputs(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["verdict"] = "ship it"
	ctx.Outputs["review"] = map[string]interface{}{"response": "lgtm"}

	pc := simplePC(&workflow.Node{ID: "end", Type: workflow.NodeEnd}, ctx)
	pc.Workflow = &workflow.Workflow{
		Outputs: map[string]interface{}{
			"decision": "verdict",
			"summary":  "outputs.review.response",
		},
	}

	res := handleEnd(context.Background(), pc)
	require.True(t, res.Success)
	assert.Equal(t, "ship it", res.Output["decision"])
	assert.Equal(t, "lgtm", res.Output["summary"])
	assert.NotEmpty(t, res.Output["completedAt"])
}

func TestJoinMergesIncomingOutputs(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "a", Type: workflow.NodeTask},
			{ID: "b", Type: workflow.NodeTask},
			{ID: "merge", Type: workflow.NodeJoin},
		},
		Edges: []workflow.Edge{
			{ID: "e1", From: "a", To: "merge"},
			{ID: "e2", From: "b", To: "merge"},
		},
	}
	inst := workflow.NewInstance("task-1", w)
	inst.Outputs["a"] = map[string]interface{}{"response": "one"}
	inst.Outputs["b"] = map[string]interface{}{"response": "two"}

	pc := simplePC(&w.Nodes[2], nil)
	pc.Workflow = w
	pc.Instance = inst

	res := handleJoin(context.Background(), pc)
	require.True(t, res.Success)
	merged := res.Output["merged"].(map[string]interface{})
	assert.Len(t, merged, 2)
}
