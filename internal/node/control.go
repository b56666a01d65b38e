package node

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// updateSnapshot persists one key into the node's snapshot under the queue
// lock. Snapshots carry handler state across requeue wakeups.
func updateSnapshot(pc *engine.ProcessContext, key string, value interface{}) error {
	return pc.Queue.Lock().WithLock(func() error {
		inst, err := pc.Store.LoadInstance(pc.TaskID)
		if err != nil || inst == nil {
			return fmt.Errorf("load instance %s: %v", pc.TaskID, err)
		}
		s, ok := inst.NodeStates[pc.Node.ID]
		if !ok {
			return fmt.Errorf("node state %s missing", pc.Node.ID)
		}
		if s.Snapshot == nil {
			s.Snapshot = map[string]interface{}{}
		}
		s.Snapshot[key] = value
		// Keep the local view coherent for this handler run.
		if local := pc.Instance.NodeStates[pc.Node.ID]; local != nil {
			local.Snapshot = s.Snapshot
		}
		return pc.Store.SaveInstance(pc.TaskID, inst)
	})
}

func snapshotString(pc *engine.ProcessContext, key string) string {
	s := pc.Instance.NodeStates[pc.Node.ID]
	if s == nil || s.Snapshot == nil {
		return ""
	}
	v, _ := s.Snapshot[key].(string)
	return v
}

// handleDelay parks the node until its deadline. The deadline is pinned in
// the snapshot on first execution so crash recovery never restarts the wait.
func handleDelay(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Delay
	if cfg == nil {
		return engine.Succeed(map[string]interface{}{"delayedMs": 0})
	}
	now := time.Now().UTC()
	resumeAt := snapshotString(pc, "resumeAt")
	if resumeAt == "" {
		deadline := now.Add(time.Duration(cfg.Millis()) * time.Millisecond)
		if err := updateSnapshot(pc, "resumeAt", deadline.Format(time.RFC3339Nano)); err != nil {
			return engine.Fail("persist delay deadline: "+err.Error(), Classify(err))
		}
		return &engine.Result{RequeueAfter: time.Duration(cfg.Millis()) * time.Millisecond}
	}
	deadline, err := time.Parse(time.RFC3339Nano, resumeAt)
	if err != nil {
		return engine.Fail("corrupt delay deadline: "+err.Error(), workflow.ErrorPermanent)
	}
	if now.Before(deadline) {
		return &engine.Result{RequeueAfter: deadline.Sub(now)}
	}
	return engine.Succeed(map[string]interface{}{"delayedMs": cfg.Millis()})
}

// handleSchedule defers the node to a cron next-fire instant or an absolute
// datetime, honoring the configured timezone.
func handleSchedule(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	cfg := pc.Node.Schedule
	if cfg == nil {
		return engine.Succeed(map[string]interface{}{"fired": true})
	}
	now := time.Now().UTC()

	fireAt := snapshotString(pc, "fireAt")
	if fireAt == "" {
		target, err := scheduleTarget(cfg, now)
		if err != nil {
			return engine.Fail("schedule: "+err.Error(), workflow.ErrorPermanent)
		}
		if err := updateSnapshot(pc, "fireAt", target.Format(time.RFC3339Nano)); err != nil {
			return engine.Fail("persist schedule target: "+err.Error(), Classify(err))
		}
		if target.After(now) {
			return &engine.Result{RequeueAfter: target.Sub(now)}
		}
		return engine.Succeed(map[string]interface{}{"firedAt": now.Format(time.RFC3339)})
	}

	target, err := time.Parse(time.RFC3339Nano, fireAt)
	if err != nil {
		return engine.Fail("corrupt schedule target: "+err.Error(), workflow.ErrorPermanent)
	}
	if now.Before(target) {
		return &engine.Result{RequeueAfter: target.Sub(now)}
	}
	return engine.Succeed(map[string]interface{}{"firedAt": now.Format(time.RFC3339)})
}

func scheduleTarget(cfg *workflow.ScheduleConfig, now time.Time) (time.Time, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if cfg.Datetime != "" {
		t, err := time.ParseInLocation(time.RFC3339, cfg.Datetime, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("datetime %q: %w", cfg.Datetime, err)
		}
		return t.UTC(), nil
	}
	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron %q: %w", cfg.Cron, err)
		}
		return sched.Next(now.In(loc)).UTC(), nil
	}
	return now, nil
}

// handleHuman suspends until an approval lands in the instance variables
// under approvals.<nodeID>. The complete and reject commands write the
// approval and wake the parked job.
func handleHuman(_ context.Context, pc *engine.ProcessContext) *engine.Result {
	raw, ok := pc.EvalCtx.Resolve("vars.approvals." + pc.Node.ID)
	if !ok {
		pc.Log.Info("waiting for human approval", "node", pc.Node.ID)
		return &engine.Result{Suspend: true}
	}
	approval, _ := raw.(map[string]interface{})
	approved, _ := approval["approved"].(bool)
	comment, _ := approval["comment"].(string)
	if !approved {
		msg := "rejected by user"
		if comment != "" {
			msg += ": " + comment
		}
		return engine.Fail(msg, workflow.ErrorPermanent)
	}
	return engine.Succeed(map[string]interface{}{
		"approved": true,
		"comment":  comment,
	})
}
