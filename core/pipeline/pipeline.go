// Package pipeline drives one request through its middleware and handler.
//
// The chain is an explicit state machine:
//
//	AwaitingGlobal -> AwaitingRoute -> AwaitingHandler -> Done
//	        \               \                 \
//	         +---------------+-----------------+--> Errored
//
// Each step gets a one-shot next. A step ends the chain early by finishing
// the response, and diverts it to Errored by calling next(err), returning
// an error or panicking.
package pipeline

import (
	"sync/atomic"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

// State is the executor state.
type State uint8

const (
	AwaitingGlobal State = iota
	AwaitingRoute
	AwaitingHandler
	Done
	Errored
)

func (s State) String() string {
	switch s {
	case AwaitingGlobal:
		return "awaiting-global"
	case AwaitingRoute:
		return "awaiting-route"
	case AwaitingHandler:
		return "awaiting-handler"
	case Done:
		return "done"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Chain is the ordered composition for one request.
type Chain struct {
	Global  []http.MiddlewareFunc
	Route   []http.MiddlewareFunc
	Handler http.HandlerFunc

	// Matched reports whether the router resolved a route. Without a match
	// the chain ends in Errored with a NotFound error once the global
	// middleware has run.
	Matched bool

	// PreHandler runs once, right before the handler of a matched route.
	PreHandler func(c *http.Context) error
}

// Len returns the number of steps the chain holds.
func (ch *Chain) Len() int {
	n := len(ch.Global) + len(ch.Route)
	if ch.Matched && ch.Handler != nil {
		n++
	}
	return n
}

// Result is the outcome of Run.
type Result struct {
	State State
	Err   error
	Steps int
}

// Run executes ch against c until the chain is Done or Errored.
func Run(c *http.Context, ch *Chain) Result {
	r := &run{c: c, ch: ch, state: AwaitingGlobal}
	for r.state != Done && r.state != Errored {
		r.advance()
	}
	return Result{State: r.state, Err: r.err, Steps: r.steps}
}

type run struct {
	c     *http.Context
	ch    *Chain
	state State
	index int
	steps int
	err   error
}

func (r *run) advance() {
	switch r.state {
	case AwaitingGlobal:
		if r.index >= len(r.ch.Global) {
			r.enter(AwaitingRoute)
			return
		}
		mw := r.ch.Global[r.index]
		r.index++
		r.middleware(mw)

	case AwaitingRoute:
		if !r.ch.Matched || r.index >= len(r.ch.Route) {
			r.enter(AwaitingHandler)
			return
		}
		mw := r.ch.Route[r.index]
		r.index++
		r.middleware(mw)

	case AwaitingHandler:
		if !r.ch.Matched || r.ch.Handler == nil {
			r.fail(apperr.NotFound(""))
			return
		}
		if r.ch.PreHandler != nil {
			if err := guard(func() error { return r.ch.PreHandler(r.c) }); err != nil {
				r.fail(err)
				return
			}
			if r.c.Response().Finished() {
				r.enter(Done)
				return
			}
		}
		r.handler()
	}
}

func (r *run) enter(s State) {
	r.state = s
	r.index = 0
}

func (r *run) fail(err error) {
	r.err = err
	r.state = Errored
}

func (r *run) middleware(mw http.MiddlewareFunc) {
	signal := make(chan error, 1)
	var fired atomic.Bool
	step := r.steps
	next := func(err error) {
		if !fired.CompareAndSwap(false, true) {
			r.c.Logger().Warn("next called more than once", "step", step)
			return
		}
		signal <- err
	}

	err := guard(func() error { return mw(r.c, next) })
	r.steps++
	if err != nil {
		r.fail(err)
		return
	}

	select {
	case err := <-signal:
		r.settle(err)
		return
	default:
	}
	if r.c.Response().Finished() {
		r.enter(Done)
		return
	}

	r.c.Logger().Warn("middleware returned without calling next or sending a response",
		"state", r.state.String(), "step", step)

	select {
	case err := <-signal:
		r.settle(err)
	case <-r.c.Response().Done():
		r.enter(Done)
	case <-r.c.Context().Done():
		r.fail(apperr.Wrap(r.c.Context().Err(), apperr.KindInternal, "request canceled while waiting for next"))
	}
}

// settle applies a next signal. A finished response wins over next(nil).
func (r *run) settle(err error) {
	if err != nil {
		r.fail(err)
		return
	}
	if r.c.Response().Finished() {
		r.enter(Done)
	}
}

func (r *run) handler() {
	err := guard(func() error { return r.ch.Handler(r.c) })
	r.steps++
	if err != nil {
		r.fail(err)
		return
	}
	if !r.c.Response().Finished() {
		if err := r.c.Response().End(); err != nil && !apperr.IsKind(err, apperr.KindAlreadyResponded) {
			r.fail(err)
			return
		}
	}
	r.enter(Done)
}

// guard converts a panic in fn into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.FromPanic(p)
		}
	}()
	return fn()
}
