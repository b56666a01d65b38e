package runner

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
	"github.com/mizy/claude-agent-hub/internal/executor"
	"github.com/mizy/claude-agent-hub/internal/node"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
)

// deadPID is far above any default pid_max so it never names a live process.
const deadPID = 99999999

func newRunnerStore(t *testing.T) *task.Store {
	t.Helper()
	return task.NewStore(storage.ResolveLayout(t.TempDir()))
}

func TestRecoverOrphansResetsDeadRunnerTasks(t *testing.T) {
	store := newRunnerStore(t)
	tk := &task.Task{Title: "stranded"}
	require.NoError(t, store.Create(tk))
	require.NoError(t, store.Transition(tk, task.StatusDeveloping))
	require.NoError(t, store.SaveProcess(tk.ID, &task.ProcessInfo{
		PID: deadPID, StartedAt: time.Now().UTC(), Status: task.ProcessRunning,
	}))

	recovered, err := RecoverOrphans(store, logger.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{tk.ID}, recovered)

	fresh, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, fresh.Status)

	info, err := store.LoadProcess(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ProcessCrashed, info.Status)

	timeline, err := store.LoadTimeline(tk.ID)
	require.NoError(t, err)
	found := false
	for _, e := range timeline {
		if e.Event == "task:orphan-recovered" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRecoverOrphansLeavesLiveRunnerAlone(t *testing.T) {
	store := newRunnerStore(t)
	tk := &task.Task{Title: "healthy"}
	require.NoError(t, store.Create(tk))
	require.NoError(t, store.Transition(tk, task.StatusDeveloping))
	require.NoError(t, store.SaveProcess(tk.ID, &task.ProcessInfo{
		PID: os.Getpid(), StartedAt: time.Now().UTC(), Status: task.ProcessRunning,
	}))

	recovered, err := RecoverOrphans(store, logger.Nop())
	require.NoError(t, err)
	assert.Empty(t, recovered)

	fresh, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeveloping, fresh.Status)
}

func TestRecoverOrphansSkipsNeverPickedUpTasks(t *testing.T) {
	store := newRunnerStore(t)
	tk := &task.Task{Title: "queued but unclaimed"}
	require.NoError(t, store.Create(tk))
	require.NoError(t, store.Transition(tk, task.StatusPlanning))

	recovered, err := RecoverOrphans(store, logger.Nop())
	require.NoError(t, err)
	assert.Empty(t, recovered, "no process record means no runner ever owned it")
}

func newTestRunner(t *testing.T) (*Runner, *task.Store) {
	t.Helper()
	layout := storage.ResolveLayout(t.TempDir())
	store := task.NewStore(layout)
	queue := engine.NewQueue(layout)
	bus := events.NewBus(nil)
	log := logger.Nop()

	reg := backend.NewRegistry("mock")
	reg.Register(&backend.MockAdapter{})

	eng := engine.New(store, queue, bus, log)
	exec := executor.New(store, eng, node.NewProcessor(reg), executor.NewPlanner(reg, log),
		bus, log, executor.Options{PollInterval: 10 * time.Millisecond})
	return New(store, exec, log), store
}

func TestRunnerDrainsBacklogAndExits(t *testing.T) {
	r, store := newTestRunner(t)
	a := &task.Task{Title: "first", Backend: "mock", Priority: task.PriorityLow}
	b := &task.Task{Title: "second", Backend: "mock", Priority: task.PriorityHigh}
	require.NoError(t, store.Create(a))
	require.NoError(t, store.Create(b))

	require.NoError(t, r.Run(context.Background()))

	for _, tk := range []*task.Task{a, b} {
		fresh, err := store.Get(tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StatusCompleted, fresh.Status, tk.Title)

		info, err := store.LoadProcess(tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ProcessStopped, info.Status)
	}
}

func TestNextPendingSkipsBusyCwd(t *testing.T) {
	r, store := newTestRunner(t)

	running := &task.Task{Title: "occupies the repo", Backend: "mock", Cwd: "/repo/a"}
	require.NoError(t, store.Create(running))
	require.NoError(t, store.Transition(running, task.StatusDeveloping))

	blocked := &task.Task{Title: "same repo, must wait", Backend: "mock",
		Cwd: "/repo/a", Priority: task.PriorityHigh}
	free := &task.Task{Title: "different repo", Backend: "mock",
		Cwd: "/repo/b", Priority: task.PriorityLow}
	require.NoError(t, store.Create(blocked))
	require.NoError(t, store.Create(free))

	next, err := r.nextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, free.ID, next.ID, "a busy cwd parks even the higher-priority task")
}

func TestNextPendingReturnsNilWhenEveryCwdBusy(t *testing.T) {
	r, store := newTestRunner(t)

	running := &task.Task{Title: "occupies the repo", Backend: "mock", Cwd: "/repo/a"}
	require.NoError(t, store.Create(running))
	require.NoError(t, store.Transition(running, task.StatusDeveloping))

	waiting := &task.Task{Title: "waiting its turn", Backend: "mock", Cwd: "/repo/a"}
	require.NoError(t, store.Create(waiting))

	next, err := r.nextPending()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestSecondRunnerExitsWhenLockHeld(t *testing.T) {
	r, store := newTestRunner(t)
	lock := storage.NewRunnerLock(store.Layout())
	require.NoError(t, lock.Acquire(PIDAlive))
	defer lock.Release()

	tk := &task.Task{Title: "waiting", Backend: "mock"}
	require.NoError(t, store.Create(tk))

	require.NoError(t, r.Run(context.Background()), "a busy lock is a clean exit")
	fresh, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, fresh.Status, "the task stays for the live runner")
}
