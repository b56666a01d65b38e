package executor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/node"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

type execFixture struct {
	store *task.Store
	queue *engine.Queue
	exec  *Executor
	mock  *backend.MockAdapter
}

func newExecFixture(t *testing.T, respond func(req *backend.Request) (*backend.Result, error)) *execFixture {
	t.Helper()
	layout := storage.ResolveLayout(t.TempDir())
	store := task.NewStore(layout)
	queue := engine.NewQueue(layout)
	bus := events.NewBus(nil)
	log := logger.Nop()

	mock := &backend.MockAdapter{Respond: respond}
	reg := backend.NewRegistry("mock")
	reg.Register(mock)

	eng := engine.New(store, queue, bus, log)
	exec := New(store, eng, node.NewProcessor(reg), NewPlanner(reg, log), bus, log, Options{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	})
	return &execFixture{store: store, queue: queue, exec: exec, mock: mock}
}

func TestExecuteTaskCompletesLinearPlan(t *testing.T) {
	// The mock's reply is not a plan, so the planner falls back to the linear
	// start -> work -> end graph and the same mock answers the work node.
	f := newExecFixture(t, nil)
	tk := &task.Task{Title: "summarize the repo", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	require.NoError(t, f.exec.ExecuteTask(context.Background(), tk))

	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.NotNil(t, tk.CompletedAt)

	inst, err := f.store.LoadInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, inst.Status)
	assert.Contains(t, inst.Outputs["work"].(map[string]interface{})["response"], "mock response")

	md, err := os.ReadFile(f.store.Layout().ResultFile(tk.ID))
	require.NoError(t, err)
	assert.Contains(t, string(md), tk.Title)

	stats, err := f.store.LoadStats(tk.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.BackendCalls, 1)
	assert.Equal(t, 0, stats.NodesFailed+stats.NodesSkipped)
	assert.Equal(t, 3, stats.NodesDone)
}

func TestExecuteTaskFailsOnPermanentBackendError(t *testing.T) {
	f := newExecFixture(t, func(req *backend.Request) (*backend.Result, error) {
		return nil, backend.ErrConfig
	})
	tk := &task.Task{Title: "doomed", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	require.NoError(t, f.exec.ExecuteTask(context.Background(), tk))

	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Contains(t, tk.Error, "work")

	inst, err := f.store.LoadInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceFailed, inst.Status)
}

func TestExecuteTaskResumesExistingInstance(t *testing.T) {
	f := newExecFixture(t, nil)
	tk := &task.Task{Title: "resumable", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	// Simulate a crashed earlier run: plan persisted, instance mid-flight.
	reg := backend.NewRegistry("mock")
	reg.Register(f.mock)
	w := NewPlanner(reg, logger.Nop()).Fallback(tk)
	inst := workflow.NewInstance(tk.ID, w)
	now := time.Now().UTC()
	inst.Status = workflow.InstanceRunning
	inst.StartedAt = &now
	workflow.MarkNodeRunning(inst, "start")
	workflow.MarkNodeDone(inst, "start")
	workflow.MarkNodeRunning(inst, "work") // stranded by the crash
	require.NoError(t, f.store.SaveWorkflow(tk.ID, w))
	require.NoError(t, f.store.SaveInstance(tk.ID, inst))

	require.NoError(t, f.exec.ExecuteTask(context.Background(), tk))

	assert.Equal(t, task.StatusCompleted, tk.Status)
	final, err := f.store.LoadInstance(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceCompleted, final.Status)
}

func TestExecuteTaskSettlesAlreadyTerminalInstance(t *testing.T) {
	f := newExecFixture(t, nil)
	tk := &task.Task{Title: "already done", Backend: "mock"}
	require.NoError(t, f.store.Create(tk))

	reg := backend.NewRegistry("mock")
	reg.Register(f.mock)
	w := NewPlanner(reg, logger.Nop()).Fallback(tk)
	inst := workflow.NewInstance(tk.ID, w)
	now := time.Now().UTC()
	inst.Status = workflow.InstanceCompleted
	inst.StartedAt = &now
	inst.CompletedAt = &now
	require.NoError(t, f.store.SaveWorkflow(tk.ID, w))
	require.NoError(t, f.store.SaveInstance(tk.ID, inst))

	require.NoError(t, f.exec.ExecuteTask(context.Background(), tk))
	assert.Equal(t, task.StatusCompleted, tk.Status)
	assert.Empty(t, f.mock.Calls(), "a settled instance never reaches the backend")
}
