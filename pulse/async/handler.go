package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Result is what a handler reports when Execute returns without error.
type Result struct {
	// Status is the terminal status to record; zero means completed.
	Status JobStatus
	// Summary is written to the job's result column.
	Summary string
	// Continuation, when set, completes the job as partial progress and
	// enqueues a follow-up job of the same kind.
	Continuation *Continuation
}

// Continuation describes the follow-up job enqueued for leftover work
type Continuation struct {
	Payload json.RawMessage
	Delay   time.Duration
}

// JobHandler defines the interface for executing a specific job kind.
// Domain packages implement this interface; the worker pool routes jobs to
// handlers by Kind without knowing their payloads.
type JobHandler interface {
	// Execute runs the job. Handlers check ctx.Done() and job.CancelRequested
	// between units of work. Returning ErrDetached leaves the job running for an
	// owner outside the pool.
	Execute(ctx context.Context, job *Job) (Result, error)

	// Name returns the job kind this handler serves (e.g. "fanout", "watch").
	Name() string
}

// HandlerFunc adapts a function to JobHandler under a fixed name
type HandlerFunc struct {
	Kind string
	Fn   func(ctx context.Context, job *Job) (Result, error)
}

func (h HandlerFunc) Name() string { return h.Kind }

func (h HandlerFunc) Execute(ctx context.Context, job *Job) (Result, error) {
	return h.Fn(ctx, job)
}

// HandlerRegistry manages job handlers by name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
