// Package router maps (method, path) pairs to registered route values.
//
// Patterns are made of literal segments, named parameters (":id") and an
// optional trailing catch-all ("*" or "*name"). Lookups prefer a literal
// segment over a parameter over a catch-all, left to right, and backtrack
// when a preferred branch dead-ends.
package router

import (
	"fmt"
	"strings"

	"github.com/searchktools/nimble/core/apperr"
)

// WildcardKey is the params key holding a catch-all capture.
const WildcardKey = "*"

// Meta is free-form per-route metadata.
type Meta map[string]any

// Match is the result of a successful lookup.
type Match[T any] struct {
	Value   T
	Params  map[string]string
	Meta    Meta
	Pattern string
}

// Route describes a registered route.
type Route struct {
	Method  string
	Pattern string
	Meta    Meta
}

type nodeType uint8

const (
	static   nodeType = iota // default
	param                    // :param
	catchAll                 // *param
)

type entry[T any] struct {
	value   T
	meta    Meta
	pattern string
}

type node[T any] struct {
	nType     nodeType
	paramName string
	static    map[string]*node[T]
	param     *node[T]
	catchAll  *node[T]
	handlers  map[string]*entry[T] // method -> route
}

// Router is a segment trie keyed by path segments.
type Router[T any] struct {
	root                *node[T]
	ignoreTrailingSlash bool
	routes              []Route
}

// Option configures a Router.
type Option func(*options)

type options struct {
	ignoreTrailingSlash bool
}

// IgnoreTrailingSlash controls whether "/x" and "/x/" are the same path.
// Default is true.
func IgnoreTrailingSlash(v bool) Option {
	return func(o *options) { o.ignoreTrailingSlash = v }
}

// New creates an empty router.
func New[T any](opts ...Option) *Router[T] {
	o := options{ignoreTrailingSlash: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Router[T]{
		root:                &node[T]{},
		ignoreTrailingSlash: o.ignoreTrailingSlash,
	}
}

func invalidRoute(method, pattern, reason string) error {
	return apperr.Newf(apperr.KindInvalidRoute, "invalid route %s %s: %s", method, pattern, reason)
}

// Register adds a route. It returns an InvalidRoute error for malformed
// patterns, conflicting parameter names and duplicate registrations.
func (r *Router[T]) Register(method, pattern string, value T, meta Meta) error {
	if method == "" {
		return invalidRoute(method, pattern, "empty method")
	}
	if pattern == "" || pattern[0] != '/' {
		return invalidRoute(method, pattern, "path must begin with '/'")
	}

	segs := r.target(pattern).segs
	n := r.root
	for i, seg := range segs {
		switch {
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if name == "" {
				return invalidRoute(method, pattern, "parameters must be named")
			}
			if strings.ContainsAny(name, ":*") {
				return invalidRoute(method, pattern, "only one wildcard per path segment is allowed")
			}
			if n.param == nil {
				n.param = &node[T]{nType: param, paramName: name}
			} else if n.param.paramName != name {
				return invalidRoute(method, pattern,
					fmt.Sprintf("parameter :%s conflicts with existing :%s", name, n.param.paramName))
			}
			n = n.param

		case strings.HasPrefix(seg, "*"):
			if i != len(segs)-1 {
				return invalidRoute(method, pattern, "catch-all routes are only allowed at the end of the path")
			}
			name := seg[1:]
			if strings.ContainsAny(name, ":*") {
				return invalidRoute(method, pattern, "only one wildcard per path segment is allowed")
			}
			if n.catchAll == nil {
				n.catchAll = &node[T]{nType: catchAll, paramName: name}
			} else if n.catchAll.paramName != name {
				return invalidRoute(method, pattern, "catch-all conflicts with existing catch-all name")
			}
			n = n.catchAll

		default:
			if n.static == nil {
				n.static = make(map[string]*node[T])
			}
			child, ok := n.static[seg]
			if !ok {
				child = &node[T]{}
				n.static[seg] = child
			}
			n = child
		}
	}

	if n.handlers == nil {
		n.handlers = make(map[string]*entry[T])
	}
	if _, dup := n.handlers[method]; dup {
		return invalidRoute(method, pattern, "route already registered")
	}
	n.handlers[method] = &entry[T]{value: value, meta: meta, pattern: pattern}
	r.routes = append(r.routes, Route{Method: method, Pattern: pattern, Meta: meta})
	return nil
}

// Find looks up the route for method and path. A HEAD request falls back to
// the GET route when no HEAD route exists.
func (r *Router[T]) Find(method, path string) (Match[T], bool) {
	t := r.target(path)
	e, ps := r.root.lookup(method, t, 0, nil)
	if e == nil && method == "HEAD" {
		e, ps = r.root.lookup("GET", t, 0, nil)
	}
	if e == nil {
		return Match[T]{}, false
	}

	m := Match[T]{Value: e.value, Meta: e.meta, Pattern: e.pattern}
	if len(ps) > 0 {
		m.Params = make(map[string]string, len(ps))
		for _, p := range ps {
			m.Params[p.key] = p.value
		}
	}
	return m, true
}

// Routes returns the registered routes in registration order.
func (r *Router[T]) Routes() []Route {
	out := make([]Route, len(r.routes))
	copy(out, r.routes)
	return out
}

type kv struct {
	key, value string
}

func (n *node[T]) lookup(method string, t *target, i int, ps []kv) (*entry[T], []kv) {
	if i == len(t.segs) {
		if e := n.handlers[method]; e != nil {
			return e, ps
		}
		// A catch-all also matches an empty remainder.
		if n.catchAll != nil {
			if e := n.catchAll.handlers[method]; e != nil {
				return e, n.catchAll.capture(ps, "")
			}
		}
		return nil, nil
	}

	seg := t.segs[i]
	if child := n.static[seg]; child != nil {
		if e, out := child.lookup(method, t, i+1, ps); e != nil {
			return e, out
		}
	}
	if n.param != nil && seg != "" {
		if e, out := n.param.lookup(method, t, i+1, append(ps, kv{n.param.paramName, seg})); e != nil {
			return e, out
		}
	}
	if n.catchAll != nil {
		if e := n.catchAll.handlers[method]; e != nil {
			return e, n.catchAll.capture(ps, t.path[t.off[i]:])
		}
	}
	return nil, nil
}

func (n *node[T]) capture(ps []kv, rest string) []kv {
	ps = append(ps, kv{WildcardKey, rest})
	if n.paramName != "" {
		ps = append(ps, kv{n.paramName, rest})
	}
	return ps
}

// target is a path split into segments; off[i] is where segs[i] starts in
// path, so a catch-all captures the remainder as received.
type target struct {
	path string
	segs []string
	off  []int
}

// target splits a path. Repeated interior slashes collapse; a trailing
// slash yields a final empty segment unless trailing slashes are ignored.
func (r *Router[T]) target(path string) *target {
	path = strings.TrimPrefix(path, "/")
	if r.ignoreTrailingSlash {
		path = strings.TrimRight(path, "/")
	}
	t := &target{path: path}
	if path == "" {
		return t
	}
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		if i > start || i == len(path) {
			t.segs = append(t.segs, path[start:i])
			t.off = append(t.off, start)
		}
		start = i + 1
	}
	return t
}
