package runner

import (
	"time"

	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/internal/task"
)

// RecoverOrphans finds tasks stuck in a running status whose recorded runner
// process is dead, resets them to pending and flags the process record. A
// running task with no process record was never picked up and is left alone.
// Returns the ids of recovered tasks.
func RecoverOrphans(store *task.Store, log logger.Logger) ([]string, error) {
	running, err := store.ListByStatus(task.StatusPlanning, task.StatusDeveloping, task.StatusReviewing)
	if err != nil {
		return nil, err
	}
	var recovered []string
	for _, t := range running {
		info, err := store.LoadProcess(t.ID)
		if err != nil {
			log.Warn("process record unreadable", "task", t.ID, "error", err.Error())
			continue
		}
		if info == nil || info.PID == 0 {
			continue
		}
		if PIDAlive(info.PID) {
			continue
		}

		log.Warn("orphaned task detected, resetting",
			"task", t.ID, "status", string(t.Status), "pid", info.PID)
		info.Status = task.ProcessCrashed
		if err := store.SaveProcess(t.ID, info); err != nil {
			log.Warn("process record update failed", "task", t.ID, "error", err.Error())
		}
		if err := store.Transition(t, task.StatusPending); err != nil {
			log.Error("orphan reset failed", "task", t.ID, "error", err.Error())
			continue
		}
		_ = store.AppendTimeline(t.ID, "task:orphan-recovered", map[string]interface{}{
			"pid": info.PID, "at": time.Now().UTC().Format(time.RFC3339),
		})
		metrics.OrphansRecovered.Inc()
		recovered = append(recovered, t.ID)
	}
	return recovered, nil
}
