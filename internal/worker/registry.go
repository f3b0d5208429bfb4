// Package worker is the consumer side of queued invocations: a Pool pulls
// task messages from a broker, runs the handler registered under the task
// name and stores the outcome in the result backend.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/oriys/entrypoint/internal/naming"
)

// ErrUnknownTask is reported for messages whose task name has no handler.
var ErrUnknownTask = errors.New("worker: unknown task")

// HandlerFunc executes one task. args are the decoded keyword arguments; the
// returned value is encoded with the payload codec and stored as the result.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Registry maps task names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds name to h. Registering the same name twice is an error.
func (r *Registry) Register(name string, h HandlerFunc) error {
	if name == "" || h == nil {
		return fmt.Errorf("worker: register %q: name and handler required", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("worker: task %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// RegisterEntrypoint binds h under the task name a client derives for the
// same worker namespace, routing key, target and method.
func (r *Registry) RegisterEntrypoint(worker, key, target, method string, h HandlerFunc) error {
	return r.Register(naming.TaskName(worker, key, target, strings.ToLower(method)), h)
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return h, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
