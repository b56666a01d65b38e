// Package cli implements the cah command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/executor"
	"github.com/mizy/claude-agent-hub/internal/node"
	"github.com/mizy/claude-agent-hub/internal/platform/config"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/runner"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
)

// Exit codes. Scripts rely on these staying stable.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitUsage     = 2
	ExitNotFound  = 3
	ExitAmbiguous = 4
	ExitLockHeld  = 5
)

// exitError carries an explicit exit code up to Execute.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app bundles the wired components every command needs.
type app struct {
	cfg      *config.Config
	log      logger.Logger
	layout   *storage.Layout
	store    *task.Store
	queue    *engine.Queue
	bus      *events.Bus
	eng      *engine.Engine
	backends *backend.Registry
	exec     *executor.Executor
}

var dataDirFlag string

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})

	override := dataDirFlag
	if override == "" {
		override = cfg.DataDir
	}
	layout := storage.ResolveLayout(override)
	store := task.NewStore(layout)
	queue := engine.NewQueue(layout)
	bus := events.NewBus(log)
	eng := engine.New(store, queue, bus, log)

	// Every invocation sweeps for tasks stranded by a dead runner. Best
	// effort; a failed sweep never blocks the command itself.
	if recovered, err := runner.RecoverOrphans(store, log); err != nil {
		log.Warn("orphan recovery failed", "error", err.Error())
	} else if len(recovered) > 0 {
		fmt.Fprintf(os.Stderr, "recovered %d orphaned task(s), reset to pending\n", len(recovered))
	}

	backends := backend.NewRegistry(cfg.Backend.Default)
	backends.Register(backend.NewClaudeAdapter(cfg.Backend.Command, cfg.Backend.Model, log))
	backends.Register(&backend.MockAdapter{})

	proc := node.NewProcessor(backends)
	planner := executor.NewPlanner(backends, log)
	exec := executor.New(store, eng, proc, planner, bus, log, executor.Options{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
	})

	return &app{
		cfg:      cfg,
		log:      log,
		layout:   layout,
		store:    store,
		queue:    queue,
		bus:      bus,
		eng:      eng,
		backends: backends,
		exec:     exec,
	}, nil
}

// resolveTask maps store errors onto exit codes.
func (a *app) resolveTask(ref string) (*task.Task, error) {
	t, err := a.store.Resolve(ref)
	switch {
	case err == nil:
		return t, nil
	case errors.Is(err, task.ErrNotFound):
		return nil, exitWith(ExitNotFound, err)
	case errors.Is(err, task.ErrAmbiguousPrefix):
		return nil, exitWith(ExitAmbiguous, err)
	default:
		return nil, err
	}
}

// NewRootCommand builds the cah command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "cah",
		Short:         "Local AI task orchestrator",
		Long:          "cah queues tasks for AI agents, plans them into workflows and runs them in the background on this machine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default $CAH_DATA_DIR or ./.cah-data)")

	root.AddCommand(
		newSubmitCmd(),
		newListCmd(),
		newShowCmd(),
		newLogsCmd(),
		newStatsCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStopCmd(),
		newDeleteCmd(),
		newCompleteCmd(),
		newRejectCmd(),
		newInjectNodeCmd(),
		newMsgCmd(),
		newDaemonCmd(),
		newRunnerCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCommand()
	err := root.Execute()
	if err == nil {
		return ExitOK
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCode(err)
}

// exitCode maps an error onto the documented exit codes.
func exitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, task.ErrNotFound):
		return ExitNotFound
	case errors.Is(err, task.ErrAmbiguousPrefix):
		return ExitAmbiguous
	case errors.Is(err, storage.ErrLockBusy):
		return ExitLockHeld
	case errors.Is(err, task.ErrInvalidTransition):
		return ExitUsage
	case isUsageError(err):
		return ExitUsage
	default:
		return ExitError
	}
}

// isUsageError detects cobra's own argument and flag complaints.
func isUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unknown flag", "unknown command", "unknown shorthand",
		"accepts ", "requires at least", "invalid argument", "required flag", "flag needs"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
