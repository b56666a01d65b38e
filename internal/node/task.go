package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mizy/claude-agent-hub/internal/backend"
	"github.com/mizy/claude-agent-hub/internal/engine"
	"github.com/mizy/claude-agent-hub/internal/platform/metrics"
	"github.com/mizy/claude-agent-hub/pkg/expression"
)

// handleTask sends the node prompt to the AI backend. Unconsumed user
// messages are drained into the prompt first so mid-flight guidance reaches
// the very next call.
func (p *Processor) handleTask(ctx context.Context, pc *engine.ProcessContext) *engine.Result {
	t, err := pc.Store.Get(pc.TaskID)
	if err != nil {
		return engine.Fail("load task: "+err.Error(), Classify(err))
	}

	prompt := expression.ExpandTemplate(pc.Node.Prompt, pc.EvalCtx)
	if len(pc.Messages) > 0 {
		var b strings.Builder
		b.WriteString("User guidance received while working:\n")
		for _, m := range pc.Messages {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
		b.WriteString(prompt)
		prompt = b.String()
		pc.Log.Info("folded user messages into prompt", "count", len(pc.Messages))
	}

	adapter, err := p.backends.Resolve(t.Backend)
	if err != nil {
		return engine.Fail(err.Error(), Classify(err))
	}

	// Session continuity: reuse the most recent session of this instance so
	// consecutive task nodes share conversational context.
	sessionID := ""
	if v, ok := pc.EvalCtx.Resolve("vars.sessionId"); ok {
		sessionID, _ = v.(string)
	}

	req := &backend.Request{
		Prompt:       prompt,
		SystemPrompt: expression.ExpandTemplate(pc.Node.Persona, pc.EvalCtx),
		Model:        t.Model,
		Cwd:          t.Cwd,
		SessionID:    sessionID,
		OnDelta: func(text string) {
			_ = pc.Store.AppendLog(pc.TaskID, fmt.Sprintf("[%s] %s", pc.Node.ID, text))
		},
	}
	if pc.Node.TimeoutMs > 0 {
		req.Timeout = time.Duration(pc.Node.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	result, err := adapter.Invoke(ctx, req)
	if err != nil {
		metrics.BackendCalls.WithLabelValues(adapter.Name(), "error").Inc()
		pc.Log.Error("backend invocation failed",
			"backend", adapter.Name(), "error", err.Error())
		return engine.Fail(err.Error(), Classify(err))
	}
	metrics.BackendCalls.WithLabelValues(adapter.Name(), "ok").Inc()
	metrics.BackendCostUSD.Add(result.CostUSD)

	stats, _ := pc.Store.LoadStats(pc.TaskID)
	stats.BackendCalls++
	stats.BackendTimeMs += result.DurationMs
	stats.CostUSD += result.CostUSD
	if err := pc.Store.SaveStats(pc.TaskID, stats); err != nil {
		pc.Log.Warn("stats write failed", "error", err.Error())
	}

	res := engine.Succeed(map[string]interface{}{
		"response":   result.Response,
		"sessionId":  result.SessionID,
		"durationMs": time.Since(start).Milliseconds(),
		"costUsd":    result.CostUSD,
		"numTurns":   result.NumTurns,
	})
	if result.SessionID != "" {
		res.Variables = map[string]interface{}{"sessionId": result.SessionID}
	}
	return res
}
