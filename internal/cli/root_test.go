package cli

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("something broke"), ExitError},
		{fmt.Errorf("resolve: %w", task.ErrNotFound), ExitNotFound},
		{fmt.Errorf("resolve: %w", task.ErrAmbiguousPrefix), ExitAmbiguous},
		{fmt.Errorf("queue: %w", storage.ErrLockBusy), ExitLockHeld},
		{errors.New(`unknown flag: --frobnicate`), ExitUsage},
		{fmt.Errorf("pause: %w", task.ErrInvalidTransition), ExitUsage},
		{errors.New(`accepts 1 arg(s), received 0`), ExitUsage},
		{exitWith(ExitAmbiguous, errors.New("several match")), ExitAmbiguous},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, exitCode(c.err))
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	inner := task.ErrNotFound
	err := exitWith(ExitNotFound, fmt.Errorf("task abc: %w", inner))
	assert.True(t, errors.Is(err, task.ErrNotFound))
	assert.Contains(t, err.Error(), "task abc")
}

func TestNewAppRecoversOrphanedTasks(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAH_DATA_DIR", dir)

	store := task.NewStore(storage.ResolveLayout(dir))
	tk := &task.Task{Title: "stranded by a dead runner"}
	require.NoError(t, store.Create(tk))
	require.NoError(t, store.Transition(tk, task.StatusDeveloping))
	// A pid far above pid_max never names a live process.
	require.NoError(t, store.SaveProcess(tk.ID, &task.ProcessInfo{
		PID: 99999999, StartedAt: time.Now().UTC(), Status: task.ProcessRunning,
	}))

	_, err := newApp()
	require.NoError(t, err)

	fresh, err := store.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, fresh.Status, "wiring the app sweeps orphans")
}

func TestRootCommandRegistersEveryVerb(t *testing.T) {
	root := NewRootCommand()
	want := []string{"submit", "list", "show", "logs", "stats", "pause", "resume",
		"stop", "delete", "complete", "reject", "inject-node", "msg", "daemon"}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], name)
	}
}
