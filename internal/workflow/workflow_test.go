package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearWorkflow() *Workflow {
	return &Workflow{
		ID:   "wf-1",
		Name: "linear",
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "work", Type: NodeTask, Prompt: "do the thing"},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "end"},
		},
	}
}

func TestValidateAcceptsLinear(t *testing.T) {
	require.NoError(t, linearWorkflow().Validate())
}

func TestValidateRejectsMissingStart(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = w.Nodes[1:]
	w.Edges = w.Edges[1:]
	err := w.Validate()
	assert.True(t, errors.Is(err, ErrGraphInvariant))
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	w := linearWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "work", Type: NodeTask})
	assert.True(t, errors.Is(w.Validate(), ErrGraphInvariant))
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "e3", From: "work", To: "ghost"})
	assert.True(t, errors.Is(w.Validate(), ErrGraphInvariant))
}

func TestValidateRejectsEdgeFromEnd(t *testing.T) {
	w := linearWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "e3", From: "end", To: "work"})
	assert.True(t, errors.Is(w.Validate(), ErrGraphInvariant))
}

func TestNewInstanceSeedsEveryNode(t *testing.T) {
	w := linearWorkflow()
	w.Variables = map[string]interface{}{"lang": "go"}
	inst := NewInstance("task-1", w)

	assert.Equal(t, InstancePending, inst.Status)
	assert.Len(t, inst.NodeStates, 3)
	for _, s := range inst.NodeStates {
		assert.Equal(t, NodePending, s.Status)
	}
	assert.Equal(t, "go", inst.Variables["lang"])
}

func TestDelayMillis(t *testing.T) {
	assert.Equal(t, int64(250), DelayConfig{Value: 250, Unit: "ms"}.Millis())
	assert.Equal(t, int64(2000), DelayConfig{Value: 2, Unit: "s"}.Millis())
	assert.Equal(t, int64(120000), DelayConfig{Value: 2, Unit: "m"}.Millis())
	assert.Equal(t, int64(3600000), DelayConfig{Value: 1, Unit: "h"}.Millis())
}

func TestCheckCompletion(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)

	completed, failed, _ := CheckCompletion(w, inst)
	assert.False(t, completed)
	assert.False(t, failed)

	MarkNodeRunning(inst, "work")
	MarkNodeDone(inst, "work")
	MarkNodeRunning(inst, "end")
	MarkNodeDone(inst, "end")

	completed, failed, _ = CheckCompletion(w, inst)
	assert.True(t, completed)
	assert.False(t, failed)
}

func TestCheckCompletionFailedAfterAttemptsExhausted(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)

	for i := 0; i < DefaultMaxAttempts; i++ {
		MarkNodeRunning(inst, "work")
		MarkNodeFailed(inst, "work", "boom", ErrorTransient)
	}
	_, failed, failedNode := CheckCompletion(w, inst)
	assert.True(t, failed)
	assert.Equal(t, "work", failedNode)
}

func TestCheckCompletionPermanentFailsImmediately(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)

	MarkNodeRunning(inst, "work")
	MarkNodeFailed(inst, "work", "bad config", ErrorPermanent)

	_, failed, _ := CheckCompletion(w, inst)
	assert.True(t, failed)
}

func TestMarkNodeRunningKeepsAttemptsOnRequeueWake(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)

	MarkNodeRunning(inst, "work")
	MarkNodeRunning(inst, "work") // woken from requeue, still running
	assert.Equal(t, 1, inst.NodeStates["work"].Attempts)
}

func TestResetNodeKeepsAttempts(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)

	MarkNodeRunning(inst, "work")
	MarkNodeFailed(inst, "work", "boom", ErrorTransient)
	ResetNode(inst, "work")

	s := inst.NodeStates["work"]
	assert.Equal(t, NodePending, s.Status)
	assert.Equal(t, 1, s.Attempts)
	assert.Nil(t, s.StartedAt)
}

func TestProgressExcludesStartAndEnd(t *testing.T) {
	w := linearWorkflow()
	inst := NewInstance("task-1", w)
	assert.Equal(t, 0.0, Progress(w, inst))

	MarkNodeRunning(inst, "work")
	MarkNodeDone(inst, "work")
	assert.Equal(t, 1.0, Progress(w, inst))
}
