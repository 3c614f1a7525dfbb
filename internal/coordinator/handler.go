package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"flintq/internal/job"
)

// HandlerFunc executes one job. The context is cancelled when the job's
// timeout elapses or the coordinator shuts down; long-running tasks must
// honor it, cancellation is cooperative.
type HandlerFunc func(ctx context.Context, j *job.Job) (any, error)

// Registry maps task names to handlers.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(name string, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
