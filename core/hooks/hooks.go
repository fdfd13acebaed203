// Package hooks holds the lifecycle extension points of an engine.
package hooks

import (
	"sync"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

// Name identifies a hook point.
type Name string

const (
	RequestReceived Name = "request-received"
	PreHandler      Name = "pre-handler"
	ResponseSent    Name = "response-sent"
	ErrorObserved   Name = "error-observed"
	ServerListening Name = "server-listening"
)

// Names lists every valid hook point.
var Names = []Name{RequestReceived, PreHandler, ResponseSent, ErrorObserved, ServerListening}

// Valid reports whether n is one of the known hook points.
func (n Name) Valid() bool {
	switch n {
	case RequestReceived, PreHandler, ResponseSent, ErrorObserved, ServerListening:
		return true
	}
	return false
}

// Event is what a hook receives. Ctx is nil for server-listening; Err is
// set only for error-observed; Addr only for server-listening.
type Event struct {
	Name Name
	Ctx  *http.Context
	Err  *apperr.Error
	Addr string
}

// Func is a hook handler.
type Func func(ev *Event) error

// Registry maps hook points to their handlers in registration order.
type Registry struct {
	mu    sync.RWMutex
	hooks map[Name][]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[Name][]Func)}
}

// Register appends fn to the handlers of name.
func (r *Registry) Register(name Name, fn Func) error {
	if !name.Valid() {
		return apperr.Newf(apperr.KindInvalidHook, "unknown hook %q", name)
	}
	if fn == nil {
		return apperr.Newf(apperr.KindInvalidHook, "nil handler for hook %q", name)
	}
	r.mu.Lock()
	r.hooks[name] = append(r.hooks[name], fn)
	r.mu.Unlock()
	return nil
}

// Has reports whether any handler is registered for name. Callers use it
// to skip building an Event on the hot path.
func (r *Registry) Has(name Name) bool {
	return r.Len(name) > 0
}

// Len returns the number of handlers for name.
func (r *Registry) Len(name Name) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[name])
}

// Run calls the handlers of ev.Name one after another. The first failure
// stops the run and is returned; a panicking handler counts as a failure.
func (r *Registry) Run(ev *Event) error {
	r.mu.RLock()
	fns := r.hooks[ev.Name]
	r.mu.RUnlock()

	for _, fn := range fns {
		if err := call(fn, ev); err != nil {
			return err
		}
	}
	return nil
}

func call(fn Func, ev *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.FromPanic(p)
		}
	}()
	return fn(ev)
}
