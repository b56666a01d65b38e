// Package executor runs one task end to end: plan, execute, report.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/platform/logger"
	"github.com/mizy/claude-agent-hub/internal/task"
	"github.com/mizy/claude-agent-hub/internal/workflow"
)

// Planner asks the backend to decompose a task into a workflow graph. When
// the backend's plan cannot be parsed or validated, a linear single-step
// fallback keeps the task executable.
type Planner struct {
	backends *backend.Registry
	log      logger.Logger
}

// NewPlanner creates a planner.
func NewPlanner(backends *backend.Registry, log logger.Logger) *Planner {
	return &Planner{backends: backends, log: log}
}

const planPromptTemplate = `Decompose the following task into a workflow graph.

Task: %s
%s

Reply with ONLY a JSON object, no prose, shaped like:
{
  "name": "short workflow name",
  "nodes": [
    {"id": "start", "type": "start", "name": "Start"},
    {"id": "step-1", "type": "task", "name": "...", "prompt": "full prompt for this step"},
    {"id": "end", "type": "end", "name": "End"}
  ],
  "edges": [
    {"id": "e1", "from": "start", "to": "step-1"},
    {"id": "e2", "from": "step-1", "to": "end"}
  ]
}

Rules: exactly one start and one end node; node types are task, condition,
parallel, join, human, delay, switch, assign, script, loop, foreach; task
nodes carry a self-contained prompt; keep it to at most 8 steps.`

// Plan produces a validated workflow for the task.
func (p *Planner) Plan(ctx context.Context, t *task.Task) (*workflow.Workflow, error) {
	adapter, err := p.backends.Resolve(t.Backend)
	if err != nil {
		return nil, err
	}

	detail := ""
	if t.Description != "" {
		detail = "Details: " + t.Description
	}
	res, err := adapter.Invoke(ctx, &backend.Request{
		Prompt: fmt.Sprintf(planPromptTemplate, t.Title, detail),
		Model:  t.Model,
		Cwd:    t.Cwd,
	})
	if err != nil {
		p.log.Warn("planning call failed, using linear fallback", "error", err.Error())
		return p.Fallback(t), nil
	}

	w, err := parsePlan(res.Response)
	if err != nil {
		p.log.Warn("plan unparseable, using linear fallback", "error", err.Error())
		return p.Fallback(t), nil
	}
	w.TaskID = t.ID
	if w.ID == "" {
		w.ID = "wf-" + uuid.NewString()[:8]
	}
	w.CreatedAt = time.Now().UTC()
	if err := w.Validate(); err != nil {
		p.log.Warn("plan failed validation, using linear fallback", "error", err.Error())
		return p.Fallback(t), nil
	}
	return w, nil
}

// Fallback builds the linear start -> task -> end plan from the task itself.
func (p *Planner) Fallback(t *task.Task) *workflow.Workflow {
	prompt := t.Title
	if t.Description != "" {
		prompt += "\n\n" + t.Description
	}
	return &workflow.Workflow{
		ID:        "wf-" + uuid.NewString()[:8],
		TaskID:    t.ID,
		Name:      t.Title,
		CreatedAt: time.Now().UTC(),
		Nodes: []workflow.Node{
			{ID: "start", Type: workflow.NodeStart, Name: "Start"},
			{ID: "work", Type: workflow.NodeTask, Name: t.Title, Prompt: prompt},
			{ID: "end", Type: workflow.NodeEnd, Name: "End"},
		},
		Edges: []workflow.Edge{
			{ID: "e-start", From: "start", To: "work"},
			{ID: "e-end", From: "work", To: "end"},
		},
	}
}

var (
	fencePattern         = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// parsePlan extracts and unmarshals the JSON object from a backend reply,
// tolerating code fences, surrounding prose and trailing commas.
func parsePlan(response string) (*workflow.Workflow, error) {
	raw := extractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var w workflow.Workflow
	if err := json.Unmarshal([]byte(raw), &w); err == nil {
		return &w, nil
	}
	repaired := trailingCommaPattern.ReplaceAllString(raw, "$1")
	if err := json.Unmarshal([]byte(repaired), &w); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	return &w, nil
}

func extractJSON(s string) string {
	if m := fencePattern.FindStringSubmatch(s); len(m) == 2 {
		s = m[1]
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
