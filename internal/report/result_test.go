package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

func reportFixture() (*task.Task, *workflow.Workflow, *workflow.Instance, *task.Stats) {
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	tk := &task.Task{
		ID: "task-20260801-100000-abc", Title: "ship the feature",
		Description: "wire the new endpoint and verify it",
		Status:      task.StatusCompleted, StartedAt: &started, CompletedAt: &finished,
	}
	w := &workflow.Workflow{
		ID: "wf-1", TaskID: tk.ID,
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart},
			{ID: "work", Type: workflow.NodeTask, Name: "Implement"},
			{ID: "verify", Type: workflow.NodeTask, Name: "Verify"},
			{ID: "end", Type: workflow.NodeEnd},
		},
		Edges: []workflow.Edge{
			{ID: "e1", From: "start", To: "work"},
			{ID: "e2", From: "work", To: "verify"},
			{ID: "e3", From: "verify", To: "end"},
		},
	}
	inst := workflow.NewInstance(tk.ID, w)
	for _, id := range []string{"start", "work", "verify", "end"} {
		workflow.MarkNodeRunning(inst, id)
		workflow.MarkNodeDone(inst, id)
	}
	inst.Outputs["work"] = map[string]interface{}{"response": "implemented the thing"}
	stats := &task.Stats{BackendCalls: 2, CostUSD: 0.1234}
	return tk, w, inst, stats
}

func TestRenderResultSections(t *testing.T) {
	tk, w, inst, stats := reportFixture()
	md := RenderResult(tk, w, inst, stats)

	assert.Contains(t, md, "# ship the feature\n")
	assert.Contains(t, md, "## Summary")
	assert.Contains(t, md, "- **Status**: "+EmojiDone+" completed")
	assert.Contains(t, md, "- **Progress**: 100%")
	assert.Contains(t, md, "- **Duration**: 1m30s")
	assert.Contains(t, md, "- **Cost**: $0.1234 (2 backend calls)")
	assert.Contains(t, md, "## Description")
	assert.Contains(t, md, "wire the new endpoint and verify it")
	assert.Contains(t, md, "## Node Execution")
	assert.Contains(t, md, "### "+EmojiDone+" Implement")
	assert.Contains(t, md, "- **Attempts**: 1")
	assert.Contains(t, md, "- **Output**:\n\nimplemented the thing")
	assert.NotContains(t, md, "## Workflow Error")

	// start and end are plumbing, not execution entries.
	assert.NotContains(t, md, "### "+EmojiDone+" start")
	assert.NotContains(t, md, "### "+EmojiDone+" end")
}

func TestRenderResultFailedTask(t *testing.T) {
	tk, w, inst, _ := reportFixture()
	tk.Status = task.StatusFailed
	tk.Error = "node verify failed: tests red"
	inst.NodeStates["verify"].Status = workflow.NodeFailed
	inst.NodeStates["verify"].Error = "tests red"

	md := RenderResult(tk, w, inst, nil)
	assert.Contains(t, md, "- **Status**: "+EmojiFailed+" failed")
	assert.Contains(t, md, "### "+EmojiFailed+" Verify")
	assert.Contains(t, md, "- **Error**: tests red")
	assert.Contains(t, md, "## Workflow Error")
	assert.Contains(t, md, EmojiFailed+" node verify failed: tests red")
}

func TestRenderResultWithoutDescription(t *testing.T) {
	tk, w, inst, _ := reportFixture()
	tk.Description = ""
	md := RenderResult(tk, w, inst, nil)
	assert.NotContains(t, md, "## Description")
}

func TestRenderResultWithoutWorkflow(t *testing.T) {
	tk, _, _, _ := reportFixture()
	md := RenderResult(tk, nil, nil, nil)
	require.Contains(t, md, tk.Title)
	assert.Contains(t, md, "## Summary")
	assert.NotContains(t, md, "## Node Execution")
	assert.NotContains(t, md, "- **Progress**")
}

func TestNodeEmoji(t *testing.T) {
	assert.Equal(t, EmojiDone, NodeEmoji(workflow.NodeDone))
	assert.Equal(t, EmojiFailed, NodeEmoji(workflow.NodeFailed))
	assert.Equal(t, EmojiWaiting, NodeEmoji(workflow.NodeWaiting))
	assert.Equal(t, EmojiPending, NodeEmoji(workflow.NodePending))
}
