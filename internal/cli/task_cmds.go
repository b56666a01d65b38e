package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/internal/report"
	"github.com/mizy/claude-agent-hub/internal/runner"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

var (
	boldText = color.New(color.Bold)
	dimText  = color.New(color.Faint)
)

func statusColor(s task.Status) *color.Color {
	switch s {
	case task.StatusCompleted:
		return color.New(color.FgGreen)
	case task.StatusFailed, task.StatusCancelled:
		return color.New(color.FgRed)
	case task.StatusDeveloping, task.StatusPlanning, task.StatusReviewing:
		return color.New(color.FgCyan)
	case task.StatusPaused:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func newSubmitCmd() *cobra.Command {
	var (
		desc       string
		priority   string
		backendSel string
		model      string
		cwd        string
		schedule   string
		foreground bool
	)
	cmd := &cobra.Command{
		Use:   "submit <title>",
		Short: "Submit a task for background execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if cwd == "" {
				if cwd, err = os.Getwd(); err != nil {
					return err
				}
			}
			t := &task.Task{
				Title:       strings.Join(args, " "),
				Description: desc,
				Priority:    task.Priority(priority),
				Cwd:         cwd,
				Backend:     backendSel,
				Model:       model,
				Schedule:    schedule,
				Source:      "user",
			}
			if err := a.store.Create(t); err != nil {
				return err
			}
			metrics.TasksSubmitted.WithLabelValues("user").Inc()
			fmt.Printf("%s submitted %s\n", report.EmojiPending, boldText.Sprint(t.ID))

			if schedule != "" {
				fmt.Printf("scheduled: %s (the daemon fires it)\n", schedule)
				return nil
			}
			if foreground {
				return runner.New(a.store, a.exec, a.log).Run(cmd.Context())
			}
			pid, err := runner.Spawn(a.layout)
			if err != nil {
				return fmt.Errorf("task saved but runner spawn failed: %w", err)
			}
			dimText.Printf("runner pid %d\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVarP(&desc, "desc", "d", "", "longer task description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "low, medium or high")
	cmd.Flags().StringVar(&backendSel, "backend", "", "backend override for this task")
	cmd.Flags().StringVar(&model, "model", "", "model override for this task")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for the agent (default: current)")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression; the task becomes a recurring template")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run the task in this process instead of a background runner")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		statusFilter string
		watch        bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			for {
				tasks, err := a.store.List()
				if err != nil {
					return err
				}
				if watch {
					fmt.Print("\033[H\033[2J")
				}
				printTaskTable(tasks, statusFilter)
				if !watch {
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "filter by status")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh every 2s")
	return cmd
}

func printTaskTable(tasks []*task.Task, statusFilter string) {
	shown := 0
	fmt.Printf("%-26s %-12s %-8s %s\n", "ID", "STATUS", "PRIO", "TITLE")
	for _, t := range tasks {
		if statusFilter != "" && string(t.Status) != statusFilter {
			continue
		}
		shown++
		fmt.Printf("%-26s %-12s %-8s %s\n",
			t.ID,
			statusColor(t.Status).Sprintf("%-12s", t.Status),
			t.Priority,
			t.Title)
	}
	if shown == 0 {
		dimText.Println("no tasks")
	}
}

func newShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task>",
		Short: "Show a task, its plan and progress",
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

			fmt.Printf("%s %s\n", report.TaskEmoji(t.Status), boldText.Sprint(t.Title))
			fmt.Printf("  id:       %s\n", t.ID)
			fmt.Printf("  status:   %s\n", statusColor(t.Status).Sprint(t.Status))
			fmt.Printf("  priority: %s\n", t.Priority)
			fmt.Printf("  cwd:      %s\n", t.Cwd)
			fmt.Printf("  created:  %s\n", t.CreatedAt.Local().Format(time.RFC3339))
			if t.Error != "" {
				color.Red("  error:    %s", t.Error)
			}

			w, _ := a.store.LoadWorkflow(t.ID)
			inst, _ := a.store.LoadInstance(t.ID)
			if w == nil || inst == nil {
				dimText.Println("  (not planned yet)")
				return nil
			}
			fmt.Printf("\n  plan: %s (%.0f%% done)\n", w.Name, workflow.Progress(w, inst)*100)
			for _, n := range w.Nodes {
				s := inst.NodeStates[n.ID]
				status := workflow.NodePending
				if s != nil {
					status = s.Status
				}
				name := n.Name
				if name == "" {
					name = n.ID
				}
				line := fmt.Sprintf("  %s %-30s %s", report.NodeEmoji(status), name, dimText.Sprint(n.Type))
				fmt.Println(line)
				if s != nil && s.Error != "" {
					color.Red("      %s", s.Error)
				}
			}
			return nil
		},
	}
	return cmd
}

func newLogsCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <task>",
		Short: "Print a task's execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			t, err := a.resolveTask(args[0])
			if err != nil {
				return err
			}
			path := a.layout.ExecutionLogFile(t.ID)
			offset, err := dumpFile(path, 0)
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			if !follow {
				return nil
			}
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case <-time.After(time.Second):
				}
				if offset, err = dumpFile(path, offset); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

// dumpFile prints the file content past offset and returns the new offset.
func dumpFile(path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return offset, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return offset, err
	}
	n, err := os.Stdout.ReadFrom(f)
	return offset + n, err
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <task>",
		Short: "Show statistics and timeline for a task",
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
			stats, err := a.store.LoadStats(t.ID)
			if err != nil {
				return err
			}
			fmt.Println(boldText.Sprint(t.ID))
			fmt.Printf("  nodes:    %d total, %d done, %d failed, %d skipped\n",
				stats.NodesTotal, stats.NodesDone, stats.NodesFailed, stats.NodesSkipped)
			fmt.Printf("  attempts: %d\n", stats.TotalAttempts)
			if stats.DurationMs > 0 {
				fmt.Printf("  duration: %s\n", (time.Duration(stats.DurationMs) * time.Millisecond).Round(time.Second))
			}
			fmt.Printf("  backend:  %d calls, %s, $%.4f\n",
				stats.BackendCalls,
				(time.Duration(stats.BackendTimeMs)*time.Millisecond).Round(time.Second),
				stats.CostUSD)

			timeline, err := a.store.LoadTimeline(t.ID)
			if err != nil {
				return err
			}
			if len(timeline) > 0 {
				fmt.Println("\n  timeline:")
				for _, ev := range timeline {
					detail := ""
					if len(ev.Details) > 0 {
						keys := make([]string, 0, len(ev.Details))
						for k := range ev.Details {
							keys = append(keys, k)
						}
						sort.Strings(keys)
						parts := make([]string, 0, len(keys))
						for _, k := range keys {
							parts = append(parts, k+"="+expression.Stringify(ev.Details[k]))
						}
						detail = " " + dimText.Sprint(strings.Join(parts, " "))
					}
					fmt.Printf("  %s %s%s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Event, detail)
				}
			}
			return nil
		},
	}
	return cmd
}
