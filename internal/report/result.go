// Package report renders human-readable task artifacts.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// Status emoji used across result.md and the CLI.
const (
	EmojiDone    = "✅"
	EmojiFailed  = "❌"
	EmojiRunning = "🔵"
	EmojiPending = "⏳"
	EmojiSkipped = "⏭️"
	EmojiWaiting = "👀"
)

// NodeEmoji maps a node status to its marker.
func NodeEmoji(s workflow.NodeStatus) string {
	switch s {
	case workflow.NodeDone:
		return EmojiDone
	case workflow.NodeFailed:
		return EmojiFailed
	case workflow.NodeRunning:
		return EmojiRunning
	case workflow.NodeSkipped:
		return EmojiSkipped
	case workflow.NodeWaiting:
		return EmojiWaiting
	default:
		return EmojiPending
	}
}

// TaskEmoji maps a task status to its marker.
func TaskEmoji(s task.Status) string {
	switch s {
	case task.StatusCompleted:
		return EmojiDone
	case task.StatusFailed, task.StatusCancelled:
		return EmojiFailed
	case task.StatusDeveloping, task.StatusPlanning, task.StatusReviewing:
		return EmojiRunning
	case task.StatusPaused:
		return EmojiWaiting
	default:
		return EmojiPending
	}
}

// RenderResult produces the result.md markdown for a task in any state,
// including partial and failed runs. The headings are a parser contract:
// Summary, Description, Node Execution and the optional Workflow Error
// section keep their names and order.
func RenderResult(t *task.Task, w *workflow.Workflow, inst *workflow.Instance, stats *task.Stats) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", t.Title)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Status**: %s %s\n", TaskEmoji(t.Status), t.Status)
	if w != nil && inst != nil {
		fmt.Fprintf(&b, "- **Progress**: %.0f%%\n", workflow.Progress(w, inst)*100)
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		fmt.Fprintf(&b, "- **Duration**: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Second))
	}
	if stats != nil && stats.CostUSD > 0 {
		fmt.Fprintf(&b, "- **Cost**: $%.4f (%d backend calls)\n", stats.CostUSD, stats.BackendCalls)
	}

	if t.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", t.Description)
	}

	if w != nil && inst != nil {
		b.WriteString("\n## Node Execution\n")
		for _, n := range w.Nodes {
			if n.Type != workflow.NodeTask {
				continue
			}
			s := inst.NodeStates[n.ID]
			status := workflow.NodePending
			attempts := 0
			if s != nil {
				status = s.Status
				attempts = s.Attempts
			}
			name := n.Name
			if name == "" {
				name = n.ID
			}
			fmt.Fprintf(&b, "\n### %s %s\n\n", NodeEmoji(status), name)
			fmt.Fprintf(&b, "- **Status**: %s\n", status)
			fmt.Fprintf(&b, "- **Attempts**: %d\n", attempts)
			if s != nil && s.Error != "" {
				fmt.Fprintf(&b, "- **Error**: %s\n", s.Error)
			}
			if resp := nodeResponse(inst, n.ID); resp != "" {
				fmt.Fprintf(&b, "- **Output**:\n\n%s\n", resp)
			}
		}
	}

	if errText := renderError(t, inst); errText != "" {
		fmt.Fprintf(&b, "\n## Workflow Error\n\n%s %s\n", EmojiFailed, errText)
	}

	return b.String()
}

func nodeResponse(inst *workflow.Instance, nodeID string) string {
	raw, ok := inst.Outputs[nodeID].(map[string]interface{})
	if !ok {
		return ""
	}
	resp, _ := raw["response"].(string)
	return resp
}

func renderError(t *task.Task, inst *workflow.Instance) string {
	if t.Error != "" {
		return t.Error
	}
	if inst != nil {
		return inst.Error
	}
	return ""
}
