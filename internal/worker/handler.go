package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/greenrack/pkg/types"
)

// ErrNoHandler is returned for a job type nobody registered.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler executes one job. A nil error marks it succeeded; any error is a
// failed attempt the queue may retry.
type Handler interface {
	Handle(ctx context.Context, job types.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job types.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job types.Job) error { return f(ctx, job) }

// Registry routes jobs to handlers by job type. It is itself a Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds jobType to h, replacing any earlier binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// RegisterFunc binds jobType to fn.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, job types.Job) error) {
	r.Register(jobType, HandlerFunc(fn))
}

// Types lists the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handle dispatches job to the handler of its type.
func (r *Registry) Handle(ctx context.Context, job types.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoHandler, job.Domain, job.Type)
	}
	return h.Handle(ctx, job)
}
