package cli

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mizy/claude-agent-hub/internal/events"
	"github.com/mizy/claude-agent-hub/internal/runner"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <task>",
		Short: "Pause a running task; in-flight nodes finish first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				return fmt.Errorf("task %s is already %s", t.ID, t.Status)
			}
			if inst, _ := a.store.LoadInstance(t.ID); inst != nil && inst.Status == workflow.InstanceRunning {
				if err := a.eng.Pause(inst); err != nil {
					return err
				}
			}
			if t.Status != task.StatusPaused {
				if err := a.store.Transition(t, task.StatusPaused); err != nil {
					return err
				}
			}
			fmt.Printf("paused %s\n", t.ID)
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "resume [task]",
		Short: "Resume a paused task",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			var targets []*task.Task
			switch {
			case all:
				if targets, err = a.store.ListByStatus(task.StatusPaused); err != nil {
					return err
				}
				if len(targets) == 0 {
					fmt.Println("nothing to resume")
					return nil
				}
			case len(args) == 1:
				t, err := a.resolveTask(args[0])
				if err != nil {
					return err
				}
				targets = append(targets, t)
			default:
				return exitWith(ExitUsage, fmt.Errorf("requires a task id or --all"))
			}

			for _, t := range targets {
				if t.Status != task.StatusPaused {
					return fmt.Errorf("task %s is %s, not paused", t.ID, t.Status)
				}
				if err := a.store.Transition(t, task.StatusPending); err != nil {
					return err
				}
				a.bus.Emit(events.Event{Kind: events.TaskResumed, TaskID: t.ID})
				fmt.Printf("resumed %s\n", t.ID)
			}
			if _, err := runner.Spawn(a.layout); err != nil {
				return fmt.Errorf("resume recorded but runner spawn failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "resume every paused task")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task>",
		Short: "Stop a task permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				return fmt.Errorf("task %s is already %s", t.ID, t.Status)
			}
			if inst, _ := a.store.LoadInstance(t.ID); inst != nil {
				if err := a.eng.Cancel(inst, "stopped by user"); err != nil {
					return err
				}
			}
			if err := a.store.Transition(t, task.StatusCancelled); err != nil {
				return err
			}
			// Nudge the owning runner; it notices the terminal instance on its
			// next poll, the signal just makes that immediate.
			if info, _ := a.store.LoadProcess(t.ID); info != nil &&
				info.Status == task.ProcessRunning && runner.PIDAlive(info.PID) {
				_ = syscall.Kill(info.PID, syscall.SIGTERM)
			}
			a.bus.Emit(events.Event{Kind: events.TaskCancelled, TaskID: t.ID})
			fmt.Printf("stopped %s\n", t.ID)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <task>",
		Short: "Delete a task and all its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if t.Status.Running() && !force {
				return fmt.Errorf("task %s is %s; stop it first or use --force", t.ID, t.Status)
			}
			if err := a.queue.RemoveInstanceJobs(t.ID); err != nil {
				return err
			}
			if err := a.store.Delete(t.ID); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even while running")
	return cmd
}

// writeApproval records the verdict for a waiting human node and wakes its
// parked job.
func writeApproval(a *app, t *task.Task, nodeID string, approved bool, comment string) error {
	err := a.queue.Lock().WithLock(func() error {
		inst, err := a.store.LoadInstance(t.ID)
		if err != nil || inst == nil {
			return fmt.Errorf("task %s has no workflow instance", t.ID)
		}

		if nodeID == "" {
			var waiting []string
			for id, s := range inst.NodeStates {
				if s.Status == workflow.NodeWaiting {
					waiting = append(waiting, id)
				}
			}
			switch len(waiting) {
			case 0:
				return fmt.Errorf("task %s has no node awaiting approval", t.ID)
			case 1:
				nodeID = waiting[0]
			default:
				return exitWith(ExitAmbiguous,
					fmt.Errorf("several nodes await approval (%v), pick one with --node", waiting))
			}
		} else if s, ok := inst.NodeStates[nodeID]; !ok || s.Status != workflow.NodeWaiting {
			return fmt.Errorf("node %s is not awaiting approval", nodeID)
		}

		expression.SetPath(inst.Variables, "approvals."+nodeID, map[string]interface{}{
			"approved": approved,
			"comment":  comment,
		})
		if err := a.store.SaveInstance(t.ID, inst); err != nil {
			return err
		}
		woken, err := a.queue.Resume(t.ID)
		if err != nil {
			return err
		}
		if woken == 0 {
			a.log.Warn("approval recorded but no parked job found", "task", t.ID, "node", nodeID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// The runner may have died while waiting; make sure one picks this up.
	if info, _ := a.store.LoadProcess(t.ID); info == nil || !runner.PIDAlive(info.PID) {
		if _, err := runner.Spawn(a.layout); err != nil {
			return fmt.Errorf("approval recorded but runner spawn failed: %w", err)
		}
	}
	return nil
}

func newCompleteCmd() *cobra.Command {
	var nodeID, comment string
	cmd := &cobra.Command{
		Use:   "complete <task>",
		Short: "Approve a waiting human-review step",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if err := writeApproval(a, t, nodeID, true, comment); err != nil {
				return err
			}
			fmt.Printf("approved %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node to approve (needed only with several waiting)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment passed to the workflow")
	return cmd
}

func newRejectCmd() *cobra.Command {
	var nodeID, comment string
	cmd := &cobra.Command{
		Use:   "reject <task>",
		Short: "Reject a waiting human-review step",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if err := writeApproval(a, t, nodeID, false, comment); err != nil {
				return err
			}
			fmt.Printf("rejected %s\n", t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node to reject (needed only with several waiting)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "reason passed to the workflow")
	return cmd
}

func newInjectNodeCmd() *cobra.Command {
	var (
		after    string
		nodeType string
		name     string
		persona  string
		expr     string
	)
	cmd := &cobra.Command{
		Use:   "inject-node <task> <prompt>",
		Short: "Splice an extra step into a running workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			n := workflow.Node{
				Type:       workflow.NodeType(nodeType),
				Name:       name,
				Prompt:     args[1],
				Persona:    persona,
				Expression: expr,
			}
			if err := a.eng.InjectNode(t.ID, after, n); err != nil {
				return err
			}
			fmt.Printf("injected %s node into %s\n", nodeType, t.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "anchor node id (default: the running or latest finished node)")
	cmd.Flags().StringVar(&nodeType, "type", "task", "node type")
	cmd.Flags().StringVar(&name, "name", "", "node display name")
	cmd.Flags().StringVar(&persona, "persona", "", "system prompt for the injected node")
	cmd.Flags().StringVar(&expr, "expression", "", "expression for condition or script nodes")
	return cmd
}

func newMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "msg <task> <message...>",
		Short: "Send guidance to a running task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			if t.Status.Terminal() {
				return fmt.Errorf("task %s is %s, message would never be read", t.ID, t.Status)
			}
			content := ""
			for i, arg := range args[1:] {
				if i > 0 {
					content += " "
				}
				content += arg
			}
			msg, err := a.store.AppendMessage(t.ID, content, "cli")
			if err != nil {
				return err
			}
			a.bus.Emit(events.Event{Kind: events.TaskMessage, TaskID: t.ID,
				Data: map[string]interface{}{"messageId": msg.ID}})
			fmt.Printf("message queued for %s\n", t.ID)
			return nil
		},
	}
}
