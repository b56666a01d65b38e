package backend

import (
	"context"
	"sync"
	"time"
)

// MockAdapter is an in-process fake used by tests and by the "mock" backend
// setting for offline dry runs. Respond, when set, computes the answer;
// otherwise a canned echo is returned.
type MockAdapter struct {
	Delay   time.Duration
	Respond func(req *Request) (*Result, error)

	mu    sync.Mutex
	calls []*Request
}

// Name implements Adapter.
func (m *MockAdapter) Name() string { return "mock" }

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(ctx context.Context, req *Request) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
	if m.Respond != nil {
		return m.Respond(req)
	}
	res := &Result{Response: "mock response: " + req.Prompt, SessionID: "mock-session"}
	if req.OnDelta != nil {
		req.OnDelta(res.Response)
	}
	return res, nil
}

// Calls returns the requests seen so far.
func (m *MockAdapter) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, len(m.calls))
	copy(out, m.calls)
	return out
}
