package http

import (
	stdhttp "net/http"
	"sync/atomic"
)

// Next continues the chain. A nil err advances to the following step; a
// non-nil err diverts the request to the error pipeline.
type Next func(err error)

// HandlerFunc is the terminal step of a chain.
type HandlerFunc func(c *Context) error

// MiddlewareFunc is a chain step. It either calls next, finishes the
// response, or returns an error.
type MiddlewareFunc func(c *Context, next Next) error

// MaxRequestID is the largest id handed out before the generator wraps.
const MaxRequestID = 1<<53 - 1

// IDGenerator hands out request ids. The zero value starts at 1.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator returns a generator whose next id is start+1.
func NewIDGenerator(start uint64) *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(start)
	return g
}

// Next returns the next id, wrapping to 1 after MaxRequestID.
func (g *IDGenerator) Next() uint64 {
	for {
		cur := g.last.Load()
		next := cur + 1
		if next > MaxRequestID {
			next = 1
		}
		if g.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// WrapHandler adapts a net/http handler into a HandlerFunc. The wrapped
// handler owns the response; it counts as the single terminal send.
func WrapHandler(h stdhttp.Handler) HandlerFunc {
	return func(c *Context) error {
		return c.Response().Stream("WrapHandler", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			h.ServeHTTP(w, r)
		})
	}
}
