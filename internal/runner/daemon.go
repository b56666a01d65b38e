package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/internal/storage"
	"github.com/mizy/claude-agent-hub/internal/task"
)

// DaemonOptions configures the supervisor.
type DaemonOptions struct {
	SweepInterval time.Duration
	MetricsAddr   string // empty disables the metrics endpoint
}

// Daemon is the long-lived supervisor: it recovers orphans, keeps a runner
// alive while tasks are pending, fires scheduled tasks and serves /metrics.
type Daemon struct {
	store *task.Store
	queue *engine.Queue
	log   logger.Logger
	opts  DaemonOptions

	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewDaemon creates a daemon.
func NewDaemon(store *task.Store, queue *engine.Queue, log logger.Logger, opts DaemonOptions) *Daemon {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Daemon{
		store:   store,
		queue:   queue,
		log:     log,
		opts:    opts,
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
	}
}

// Run supervises until ctx is cancelled. A second daemon on the same data
// root is rejected through the pidfile.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePidfile(); err != nil {
		return err
	}
	defer os.Remove(d.store.Layout().DaemonPidFile())

	if d.opts.MetricsAddr != "" {
		go d.serveMetrics(ctx)
	}

	d.cron.Start()
	defer d.cron.Stop()

	d.log.Info("daemon started", "pid", os.Getpid(), "sweep", d.opts.SweepInterval.String())
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	d.sweep()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopping")
			return nil
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep is one supervision pass.
func (d *Daemon) sweep() {
	if recovered, err := RecoverOrphans(d.store, d.log); err != nil {
		d.log.Error("orphan recovery failed", "error", err.Error())
	} else if len(recovered) > 0 {
		d.log.Info("orphans recovered", "tasks", strings.Join(recovered, ","))
	}

	d.syncSchedules()

	if jobs, err := d.queue.Jobs(""); err == nil {
		metrics.QueueDepth.Set(float64(len(jobs)))
	}

	pending, err := d.store.ListByStatus(task.StatusPending)
	if err != nil {
		d.log.Error("pending scan failed", "error", err.Error())
		return
	}
	if len(pending) == 0 {
		return
	}
	lock := storage.NewRunnerLock(d.store.Layout())
	if holder, err := lock.Holder(); err == nil && holder.PID > 0 && PIDAlive(holder.PID) {
		return
	}
	pid, err := Spawn(d.store.Layout())
	if err != nil {
		d.log.Error("runner spawn failed", "error", err.Error())
		return
	}
	d.log.Info("runner spawned", "pid", pid, "pending", len(pending))
}

// syncSchedules registers a cron entry for every scheduled task not yet
// tracked. Each fire submits a fresh clone of the template task.
func (d *Daemon) syncSchedules() {
	all, err := d.store.List()
	if err != nil {
		d.log.Error("schedule scan failed", "error", err.Error())
		return
	}
	for _, t := range all {
		if t.Schedule == "" {
			continue
		}
		if _, tracked := d.entries[t.ID]; tracked {
			continue
		}
		templateID := t.ID
		id, err := d.cron.AddFunc(t.Schedule, func() { d.fireScheduled(templateID) })
		if err != nil {
			d.log.Warn("bad cron schedule ignored", "task", t.ID, "schedule", t.Schedule, "error", err.Error())
			d.entries[t.ID] = 0
			continue
		}
		d.entries[t.ID] = id
		d.log.Info("schedule registered", "task", t.ID, "cron", t.Schedule)
	}
}

// fireScheduled submits a clone of the template task.
func (d *Daemon) fireScheduled(templateID string) {
	tmpl, err := d.store.Get(templateID)
	if err != nil {
		d.log.Warn("scheduled template missing, unregistering", "task", templateID)
		if id, ok := d.entries[templateID]; ok && id != 0 {
			d.cron.Remove(id)
		}
		delete(d.entries, templateID)
		return
	}
	clone := &task.Task{
		Title:       tmpl.Title,
		Description: tmpl.Description,
		Priority:    tmpl.Priority,
		Cwd:         tmpl.Cwd,
		Backend:     tmpl.Backend,
		Model:       tmpl.Model,
		Source:      "schedule",
	}
	if err := d.store.Create(clone); err != nil {
		d.log.Error("scheduled submission failed", "template", templateID, "error", err.Error())
		return
	}
	metrics.TasksSubmitted.WithLabelValues("schedule").Inc()
	d.log.Info("scheduled task submitted", "template", templateID, "task", clone.ID)
}

func (d *Daemon) writePidfile() error {
	path := d.store.Layout().DaemonPidFile()
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && PIDAlive(pid) {
			return fmt.Errorf("%w: daemon already running (pid %d)", storage.ErrLockBusy, pid)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := storage.EnsureDir(d.store.Layout().Root()); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func (d *Daemon) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: d.opts.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	d.log.Info("metrics listening", "addr", d.opts.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.log.Error("metrics server failed", "error", err.Error())
	}
}
