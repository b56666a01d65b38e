package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ErrLockBusy is returned when the retry budget for a lock is exhausted.
var ErrLockBusy = errors.New("lock held by another process")

const (
	// StaleAfter is the age past which an abandoned lockfile is reclaimed.
	StaleAfter = 30 * time.Second

	lockRetries  = 10
	lockInterval = 100 * time.Millisecond
)

// held tracks locks owned by this process so WithLock is re-entrant: the same
// process must never deadlock against itself.
var (
	heldMu sync.Mutex
	held   = map[string]int{}
)

// FileLock is an advisory mutex backed by an O_EXCL lockfile carrying the
// holder's pid. It serializes access across processes; in-process callers
// re-enter freely.
type FileLock struct {
	path string
}

// NewFileLock creates a lock on the given lockfile path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lockfile path.
func (l *FileLock) Path() string { return l.path }

// TryAcquire attempts a single exclusive acquisition. A lockfile older than
// StaleAfter is treated as abandoned, deleted, and retried once.
func (l *FileLock) TryAcquire() error {
	heldMu.Lock()
	if held[l.path] > 0 {
		held[l.path]++
		heldMu.Unlock()
		return nil
	}
	heldMu.Unlock()

	if err := l.create(); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		info, statErr := os.Stat(l.path)
		if statErr == nil && time.Since(info.ModTime()) > StaleAfter {
			os.Remove(l.path)
			if err = l.create(); err != nil {
				return ErrLockBusy
			}
		} else {
			return ErrLockBusy
		}
	}

	heldMu.Lock()
	held[l.path]++
	heldMu.Unlock()
	return nil
}

func (l *FileLock) create() error {
	if err := EnsureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}

// Acquire retries TryAcquire on the retry budget and fails with ErrLockBusy
// on exhaustion.
func (l *FileLock) Acquire() error {
	for attempt := 0; attempt < lockRetries; attempt++ {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return err
		}
		time.Sleep(lockInterval)
	}
	return ErrLockBusy
}

// Release drops one hold; the lockfile is removed when the last in-process
// hold is released.
func (l *FileLock) Release() {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[l.path] == 0 {
		return
	}
	held[l.path]--
	if held[l.path] == 0 {
		delete(held, l.path)
		os.Remove(l.path)
	}
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// RunnerLockInfo is the JSON body of runner.lock.
type RunnerLockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// RunnerLock guarantees at most one queue-draining runner process. Unlike the
// queue lock it is held for the life of the runner and carries structured
// holder info.
type RunnerLock struct {
	path string
}

// NewRunnerLock creates the runner lock for a data root layout.
func NewRunnerLock(layout *Layout) *RunnerLock {
	return &RunnerLock{path: layout.RunnerLockFile()}
}

// Acquire takes the runner lock or reports the holder. A lock whose recorded
// pid is dead is reclaimed.
func (l *RunnerLock) Acquire(alive func(pid int) bool) error {
	if err := EnsureDir(filepath.Dir(l.path)); err != nil {
		return err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := RunnerLockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
			enc := json.NewEncoder(f)
			writeErr := enc.Encode(info)
			f.Close()
			return writeErr
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		holder, readErr := l.Holder()
		if readErr == nil && holder.PID > 0 && alive != nil && alive(holder.PID) {
			return fmt.Errorf("%w (pid %d)", ErrLockBusy, holder.PID)
		}
		// Holder is dead or the lockfile is unreadable: reclaim.
		os.Remove(l.path)
	}
	return ErrLockBusy
}

// Holder reads the current lock holder.
func (l *RunnerLock) Holder() (RunnerLockInfo, error) {
	return ReadJSON(l.path, ReadOptions[RunnerLockInfo]{})
}

// Release removes the lockfile.
func (l *RunnerLock) Release() {
	os.Remove(l.path)
}
