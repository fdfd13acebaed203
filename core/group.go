package core

import (
	stdhttp "net/http"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
	"github.com/searchktools/nimble/core/router"
)

// anyMethods are the methods Any registers.
var anyMethods = []string{
	stdhttp.MethodGet, stdhttp.MethodPost, stdhttp.MethodPut, stdhttp.MethodPatch,
	stdhttp.MethodDelete, stdhttp.MethodOptions, stdhttp.MethodHead,
}

// Group is a registration surface scoped to a path prefix. Middleware added
// with Use applies to routes registered on the group afterwards.
type Group struct {
	engine     *Engine
	prefix     string
	middleware []http.MiddlewareFunc
}

// Prefix returns the normalized prefix of the group.
func (g *Group) Prefix() string {
	if g.prefix == "" {
		return "/"
	}
	return g.prefix
}

// Group creates a nested group. Prefixes concatenate and the child starts
// with the parent's middleware.
func (g *Group) Group(prefix string, fn func(g *Group)) *Group {
	child := &Group{
		engine:     g.engine,
		prefix:     router.JoinPath(g.prefix, prefix),
		middleware: append([]http.MiddlewareFunc(nil), g.middleware...),
	}
	if fn != nil {
		fn(child)
	}
	return child
}

// Use adds route-scoped middleware for subsequent routes of this group.
func (g *Group) Use(mws ...http.MiddlewareFunc) {
	g.engine.mustBeIdle("Use")
	for _, mw := range mws {
		if mw == nil {
			panic(apperr.Newf(apperr.KindInvalidMiddleware, "nil middleware in group %s", g.Prefix()))
		}
	}
	g.middleware = append(g.middleware, mws...)
}

// Handle registers a route relative to the group prefix.
func (g *Group) Handle(method, path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	full := router.JoinPath(g.prefix, path)
	chain := make([]http.MiddlewareFunc, 0, len(g.middleware)+len(mws))
	chain = append(chain, g.middleware...)
	chain = append(chain, mws...)
	g.engine.addRoute(method, full, h, chain)
}

func (g *Group) GET(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodGet, path, h, mws...)
}

func (g *Group) POST(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodPost, path, h, mws...)
}

func (g *Group) PUT(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodPut, path, h, mws...)
}

func (g *Group) PATCH(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodPatch, path, h, mws...)
}

func (g *Group) DELETE(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodDelete, path, h, mws...)
}

func (g *Group) OPTIONS(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodOptions, path, h, mws...)
}

func (g *Group) HEAD(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	g.Handle(stdhttp.MethodHead, path, h, mws...)
}

// Any registers h for every standard method.
func (g *Group) Any(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	for _, m := range anyMethods {
		g.Handle(m, path, h, mws...)
	}
}
