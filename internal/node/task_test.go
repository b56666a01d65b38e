package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

func TestTaskHandlerInvokesBackend(t *testing.T) {
	f := newNodeFixture(t)
	tk := &task.Task{ID: "task-1", Title: "refactor", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "work", Type: workflow.NodeTask, Prompt: "improve {{target}}"},
		},
	}
	pc := f.seed(t, w, "work")
	pc.EvalCtx.Variables["target"] = "the parser"

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success, res.Error)
	assert.Contains(t, res.Output["response"], "mock response")
	assert.Equal(t, "mock-session", res.Variables["sessionId"], "session id is surfaced for continuity")

	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "improve the parser", calls[0].Prompt, "prompt templates expand before dispatch")

	stats, err := f.store.LoadStats("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BackendCalls)
}

func TestTaskHandlerDrainsPendingMessages(t *testing.T) {
	f := newNodeFixture(t)
	tk := &task.Task{ID: "task-1", Title: "refactor", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))
	_, err := f.store.AppendMessage("task-1", "prefer table tests", "cli")
	require.NoError(t, err)

	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "work", Type: workflow.NodeTask, Prompt: "write the tests"},
		},
	}
	pc := f.seed(t, w, "work")

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success, res.Error)

	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "User guidance received while working:")
	assert.Contains(t, calls[0].Prompt, "prefer table tests")
	assert.Contains(t, calls[0].Prompt, "write the tests")

	remaining, err := f.store.DrainMessages("task-1")
	require.NoError(t, err)
	assert.Empty(t, remaining, "guidance reaches the backend exactly once")
}

func TestDispatchDrainsMessagesForEveryNodeType(t *testing.T) {
	f := newNodeFixture(t)
	tk := &task.Task{ID: "task-1", Title: "branching", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))
	_, err := f.store.AppendMessage("task-1", "watch the edge case", "cli")
	require.NoError(t, err)

	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "check", Type: workflow.NodeCondition, Expression: "true"},
		},
	}
	pc := f.seed(t, w, "check")

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success, res.Error)

	require.Len(t, pc.Messages, 1)
	assert.Equal(t, "watch the edge case", pc.Messages[0].Content)

	remaining, err := f.store.DrainMessages("task-1")
	require.NoError(t, err)
	assert.Empty(t, remaining, "dispatch consumes guidance on control nodes too")
}

func TestTaskHandlerReusesSession(t *testing.T) {
	f := newNodeFixture(t)
	tk := &task.Task{ID: "task-1", Title: "refactor", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "work", Type: workflow.NodeTask, Prompt: "continue"},
		},
	}
	pc := f.seed(t, w, "work")
	pc.EvalCtx.Variables["sessionId"] = "earlier-session"

	res := f.proc.Process(context.Background(), pc)
	require.True(t, res.Success, res.Error)

	calls := f.mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "earlier-session", calls[0].SessionID)
}

func TestTaskHandlerUnknownBackendIsPermanent(t *testing.T) {
	f := newNodeFixture(t)
	tk := &task.Task{ID: "task-1", Title: "refactor", Backend: "nope"}
	require.NoError(t, f.store.Create(tk))

	w := &workflow.Workflow{
		ID: "wf-1", TaskID: "task-1",
		Nodes: []workflow.Node{
			{ID: "work", Type: workflow.NodeTask, Prompt: "hello"},
		},
	}
	pc := f.seed(t, w, "work")

	res := f.proc.Process(context.Background(), pc)
	assert.False(t, res.Success)
	assert.Equal(t, workflow.ErrorPermanent, res.Category)
}
