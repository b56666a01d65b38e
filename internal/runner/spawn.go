// Package runner owns the background processes: the detached task runner
// that drains pending tasks, orphan recovery, and the long-lived daemon.
package runner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mizy/claude-agent-hub/internal/storage"
)

// PIDAlive reports whether a process with the pid exists.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Spawn launches a detached runner process for the data root. The child gets
// its own session so it survives the parent's terminal, and its output goes
// to runner.log under the data root. Spawning while a runner already holds
// the lock is harmless; the child exits immediately.
func Spawn(layout *storage.Layout) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	if err := storage.EnsureDir(layout.Root()); err != nil {
		return 0, err
	}
	logPath := filepath.Join(layout.Root(), "runner.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open runner log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(self, "runner", "--data-dir", layout.Root())
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn runner: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: the runner outlives us and nobody waits on it.
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release runner: %w", err)
	}
	return pid, nil
}
