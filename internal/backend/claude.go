package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mizy/claude-agent-hub/internal/platform/logger"
)

// ClaudeAdapter drives the claude CLI in non-interactive print mode with
// stream-json output, which carries usage and session id alongside the text.
type ClaudeAdapter struct {
	command string
	model   string
	log     logger.Logger
}

// NewClaudeAdapter creates the adapter. command defaults to "claude"; model
// is the fallback when a request sets none.
func NewClaudeAdapter(command, model string, log logger.Logger) *ClaudeAdapter {
	if command == "" {
		command = "claude"
	}
	return &ClaudeAdapter{command: command, model: model, log: log}
}

// Name implements Adapter.
func (a *ClaudeAdapter) Name() string { return "claude" }

// streamEvent is one line of --output-format stream-json.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message,omitempty"`
	Result        string  `json:"result,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	DurationAPIMs int64   `json:"duration_api_ms,omitempty"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	NumTurns      int     `json:"num_turns,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
}

// Invoke runs one prompt through the CLI. The subprocess gets its own process
// group so a timeout kills the whole tree, not just the leader.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	model := req.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	cmd := exec.Command(a.command, args...)
	cmd.Dir = req.Cwd
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcess, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found in PATH", ErrConfig, a.command)
		}
		return nil, fmt.Errorf("%w: start: %v", ErrProcess, err)
	}

	killed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Negative pid targets the process group.
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		case <-killed:
		}
	}()
	defer close(killed)

	res := &Result{}
	var text strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			a.log.Debug("unparseable stream line skipped", "line", string(line))
			continue
		}
		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				if block.Type != "text" || block.Text == "" {
					continue
				}
				text.WriteString(block.Text)
				if req.OnDelta != nil {
					req.OnDelta(block.Text)
				}
			}
		case "result":
			res.SessionID = ev.SessionID
			res.DurationMs = ev.DurationMs
			res.DurationAPIMs = ev.DurationAPIMs
			res.CostUSD = ev.TotalCostUSD
			res.NumTurns = ev.NumTurns
			if ev.Result != "" {
				res.Response = ev.Result
			}
			if ev.IsError {
				_ = cmd.Wait()
				return nil, fmt.Errorf("%w: %s", ErrProcess, ev.Result)
			}
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, req.Timeout)
	}
	if ctx.Err() == context.Canceled {
		return nil, ErrCancelled
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrProcess, waitErr, strings.TrimSpace(stderr.String()))
	}

	if res.Response == "" {
		res.Response = text.String()
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res, nil
}
