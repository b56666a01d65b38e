package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

func TestLoopShouldRun(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["done"] = false

	forLoop := &workflow.LoopConfig{Type: "for", Init: 0, End: 3}
	assert.True(t, loopShouldRun(forLoop, ctx, 0, 1, 0))
	assert.True(t, loopShouldRun(forLoop, ctx, 2, 1, 2))
	assert.False(t, loopShouldRun(forLoop, ctx, 3, 1, 3))

	downLoop := &workflow.LoopConfig{Type: "for", Init: 3, End: 0}
	assert.True(t, loopShouldRun(downLoop, ctx, 3, -1, 0))
	assert.False(t, loopShouldRun(downLoop, ctx, 0, -1, 3))

	whileLoop := &workflow.LoopConfig{Type: "while", Condition: "!done"}
	assert.True(t, loopShouldRun(whileLoop, ctx, 0, 1, 0))
	ctx.Variables["done"] = true
	assert.False(t, loopShouldRun(whileLoop, ctx, 0, 1, 1))

	untilLoop := &workflow.LoopConfig{Type: "until", Condition: "done"}
	assert.True(t, loopShouldRun(untilLoop, ctx, 0, 1, 0), "until runs at least once")
	assert.False(t, loopShouldRun(untilLoop, ctx, 0, 1, 1), "condition met stops it")
}

func TestLoopWithoutBodySucceedsEmpty(t *testing.T) {
	f := newNodeFixture(t)
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "rep", Type: workflow.NodeLoop, Loop: &workflow.LoopConfig{Type: "for", End: 3}},
		},
	}
	pc := f.seed(t, w, "rep")

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Output["iterations"])
}

func TestLoopFirstRunArmsBody(t *testing.T) {
	f := newNodeFixture(t)
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "rep", Type: workflow.NodeLoop,
				Loop: &workflow.LoopConfig{Type: "for", Init: 0, End: 2, LoopVar: "i", BodyNodes: []string{"step"}}},
			{ID: "step", Type: workflow.NodeScript,
				Script: &workflow.ScriptConfig{Expression: "i * 10", OutputVar: "scaled"}},
		},
	}
	pc := f.seed(t, w, "rep")

	res := f.proc.Process(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, loopPollInterval, res.RequeueAfter, "the control node polls its body")

	// The body entry is queued and the iteration variables are persisted.
	job, err := f.queue.Dequeue("task-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "step", job.NodeID)

	inst, err := f.store.LoadInstance("task-1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), expression.ToNumber(inst.Variables["i"]))
	assert.Equal(t, "running", inst.NodeStates["rep"].Snapshot["phase"])
}

func TestForeachParallelCollectsResults(t *testing.T) {
	f := newNodeFixture(t)
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "fan", Type: workflow.NodeForeach,
				Foreach: &workflow.ForeachConfig{
					Collection: "items", ItemVar: "item", Mode: "parallel",
					MaxParallel: 2, BodyNodes: []string{"calc"},
				}},
			{ID: "calc", Type: workflow.NodeScript,
				Script: &workflow.ScriptConfig{Expression: "item * 2"}},
		},
	}
	pc := f.seed(t, w, "fan")
	pc.Instance.Variables["items"] = []interface{}{float64(1), float64(2), float64(3)}
	pc.EvalCtx.Variables["items"] = pc.Instance.Variables["items"]

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, res.Output["count"])

	results := res.Output["results"].([]interface{})
	require.Len(t, results, 3)
	// Result order follows the collection regardless of scheduling.
	first := results[0].(map[string]interface{})["calc"].(map[string]interface{})
	assert.Equal(t, float64(2), first["result"])
	last := results[2].(map[string]interface{})["calc"].(map[string]interface{})
	assert.Equal(t, float64(6), last["result"])
}

func TestForeachParallelRejectsSuspendingBody(t *testing.T) {
	f := newNodeFixture(t)
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "fan", Type: workflow.NodeForeach,
				Foreach: &workflow.ForeachConfig{
					Collection: "items", Mode: "parallel", BodyNodes: []string{"gate"},
				}},
			{ID: "gate", Type: workflow.NodeHuman},
		},
	}
	pc := f.seed(t, w, "fan")
	pc.Instance.Variables["items"] = []interface{}{"a"}
	pc.EvalCtx.Variables["items"] = pc.Instance.Variables["items"]

	res := f.proc.Process(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cannot suspend")
}

func TestForeachEmptyCollection(t *testing.T) {
	f := newNodeFixture(t)
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "fan", Type: workflow.NodeForeach,
				Foreach: &workflow.ForeachConfig{Collection: "missing", BodyNodes: []string{"x"}}},
		},
	}
	pc := f.seed(t, w, "fan")

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Output["count"])
}

func TestResolveCollection(t *testing.T) {
	ctx := expression.NewContext()
	ctx.Variables["list"] = []interface{}{"a", "b"}
	ctx.Variables["dict"] = map[string]interface{}{"k": "v"}
	ctx.Variables["word"] = "solo"

	assert.Len(t, resolveCollection("list", ctx), 2)
	assert.Len(t, resolveCollection("dict", ctx), 1)
	assert.Equal(t, []interface{}{"solo"}, resolveCollection("word", ctx))
	assert.Nil(t, resolveCollection("absent", ctx))
}

func TestEntryNodes(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: []workflow.Node{
			{ID: "a"}, {ID: "b"}, {ID: "c"},
		},
		Edges: []workflow.Edge{
			{ID: "e1", From: "a", To: "b"},
			{ID: "e2", From: "outside", To: "a"},
		},
	}
	entries := entryNodes(w, []string{"a", "b"})
	assert.Equal(t, []string{"a"}, entries, "nodes fed only from outside the body start each iteration")
}
