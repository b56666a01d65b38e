// Package backend abstracts the AI agent CLI that executes task-node prompts.
// Adapters run out of process; the engine only sees prompts in, text and
// usage out.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Adapter invocation failure kinds. Handlers classify retries on them.
var (
	ErrTimeout   = errors.New("backend timeout")
	ErrCancelled = errors.New("backend cancelled")
	ErrProcess   = errors.New("backend process error")
	ErrConfig    = errors.New("backend misconfigured")
)

// Request is one prompt sent to the backend.
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Cwd          string
	SessionID    string // resume a previous session when set
	Timeout      time.Duration
	// OnDelta streams assistant text as it arrives. Optional.
	OnDelta func(text string)
}

// Result is the backend's answer with usage accounting.
type Result struct {
	Response      string
	SessionID     string
	DurationMs    int64
	DurationAPIMs int64
	CostUSD       float64
	NumTurns      int
}

// Adapter is one backend implementation.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req *Request) (*Result, error)
}

// Registry resolves adapters by name with a configured default.
type Registry struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

// NewRegistry creates a registry with a default adapter name.
func NewRegistry(defaultName string) *Registry {
	return &Registry{adapters: map[string]Adapter{}, defaultName: defaultName}
}

// Register adds an adapter under its name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve picks an adapter: the explicit name when given, the default
// otherwise. An unknown name is a configuration error.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultName
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q (have %v)", ErrConfig, name, r.names())
	}
	return a, nil
}

func (r *Registry) names() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
