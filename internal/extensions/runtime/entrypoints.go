package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "github.com/pilotd/pilotd/pkg/api/v1"
)

// Handler processes one event. The returned value selects the result
// kind: *v1.EnqueueResult, *v1.ActionRequest, or a detail map.
type Handler func(ctx context.Context, event *v1.Event, tools *Tools) (interface{}, error)

// Tools is the capability surface handed to handlers. It deliberately
// carries no way to perform actions directly; handlers return an
// ActionRequest and the runtime executes it.
type Tools struct {
	Enqueue     func(req *v1.EnqueueJobRequest) (*v1.EnqueueResult, error)
	ReadSession func(sessionID string) (map[string]interface{}, error)
}

// Factory registers a module's handlers against a staging registration.
// One factory per entrypoint reference, installed at process start.
type Factory func(r *Registration) error

// EntrypointSet maps entrypoint references to handler factories. Every
// reload re-invokes the factory against a fresh registration, so module
// state never leaks across snapshots.
type EntrypointSet struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewEntrypointSet creates an empty set
func NewEntrypointSet() *EntrypointSet {
	return &EntrypointSet{factories: make(map[string]Factory)}
}

// Register installs a factory under an entrypoint reference
func (s *EntrypointSet) Register(ref string, factory Factory) error {
	if ref == "" || factory == nil {
		return fmt.Errorf("entrypoint registration requires a reference and a factory")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.factories[ref]; exists {
		return fmt.Errorf("entrypoint %q is already registered", ref)
	}
	s.factories[ref] = factory
	return nil
}

func (s *EntrypointSet) lookup(ref string) (Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.factories[ref]
	return f, ok
}

// RegisteredHandler is one handler registration within a snapshot
type RegisteredHandler struct {
	Module            string
	EventType         string
	Handler           Handler
	Priority          int
	RegistrationIndex int
	Timeout           time.Duration
}

// HandlerOption tunes a single registration
type HandlerOption func(*RegisteredHandler)

// WithPriority overrides the default handler priority (100)
func WithPriority(priority int) HandlerOption {
	return func(h *RegisteredHandler) { h.Priority = priority }
}

// WithTimeout overrides the default per-handler timeout
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *RegisteredHandler) { h.Timeout = timeout }
}

// DefaultPriority is assigned when a registration names none
const DefaultPriority = 100

// DefaultHandlerTimeout bounds a single handler invocation
const DefaultHandlerTimeout = 30 * time.Second

// Registration is the staging list a factory registers handlers into
type Registration struct {
	module         string
	defaultTimeout time.Duration
	nextIndex      *int
	staged         []*RegisteredHandler
}

// On appends a handler registration for eventType
func (r *Registration) On(eventType string, handler Handler, opts ...HandlerOption) {
	h := &RegisteredHandler{
		Module:            r.module,
		EventType:         eventType,
		Handler:           handler,
		Priority:          DefaultPriority,
		RegistrationIndex: *r.nextIndex,
		Timeout:           r.defaultTimeout,
	}
	*r.nextIndex++
	for _, opt := range opts {
		opt(h)
	}
	r.staged = append(r.staged, h)
}

// eventTypes returns the distinct event types staged so far
func (r *Registration) eventTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, h := range r.staged {
		if !seen[h.EventType] {
			seen[h.EventType] = true
			types = append(types, h.EventType)
		}
	}
	return types
}
