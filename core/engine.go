package core

import (
	"log/slog"
	"net"
	stdhttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/fanout"
	"github.com/searchktools/nimble/core/hooks"
	"github.com/searchktools/nimble/core/http"
	"github.com/searchktools/nimble/core/logging"
	"github.com/searchktools/nimble/core/pipeline"
	"github.com/searchktools/nimble/core/router"
)

// route is what the router stores for each registered pattern.
type route struct {
	handler    http.HandlerFunc
	middleware []http.MiddlewareFunc
}

// Engine is one application instance: it owns the router, the global
// middleware, the hook and plugin registries and the error handler. Nothing
// is shared between engines.
type Engine struct {
	mu         sync.RWMutex
	router     *router.Router[*route]
	middleware []http.MiddlewareFunc
	hooks      *hooks.Registry
	plugins    map[string]Plugin
	loaded     []Plugin
	onError    ErrorHandler

	root   *Group
	ids    *http.IDGenerator
	logger *slog.Logger

	dev         bool
	fanoutLimit int

	transport    string
	h2c          bool
	reusePort    bool
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	started atomic.Bool
	closed  bool
	srv     server
	addr    net.Addr
	stats   counters
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDev toggles development mode (stack traces in default error bodies).
func WithDev(dev bool) Option {
	return func(e *Engine) { e.dev = dev }
}

// WithIgnoreTrailingSlash controls whether "/x/" matches "/x".
func WithIgnoreTrailingSlash(ignore bool) Option {
	return func(e *Engine) {
		e.router = router.New[*route](router.IgnoreTrailingSlash(ignore))
	}
}

// WithFanoutLimit bounds the producers Engine.Fanout runs at once.
func WithFanoutLimit(n int) Option {
	return func(e *Engine) { e.fanoutLimit = n }
}

// WithTransport selects "net" (net/http) or "fasthttp".
func WithTransport(name string) Option {
	return func(e *Engine) { e.transport = name }
}

// WithH2C serves cleartext HTTP/2 next to HTTP/1.1 on the net transport.
func WithH2C(enabled bool) Option {
	return func(e *Engine) { e.h2c = enabled }
}

// WithReusePort sets SO_REUSEPORT on the listener where supported.
func WithReusePort(enabled bool) Option {
	return func(e *Engine) { e.reusePort = enabled }
}

// WithTimeouts sets the transport read, write and idle timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(e *Engine) {
		e.readTimeout = read
		e.writeTimeout = write
		e.idleTimeout = idle
	}
}

// NewEngine creates a new engine instance
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		router:       router.New[*route](),
		hooks:        hooks.NewRegistry(),
		plugins:      make(map[string]Plugin),
		ids:          &http.IDGenerator{},
		logger:       logging.Discard(),
		transport:    "net",
		readTimeout:  10 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.onError = e.defaultErrorHandler
	e.root = &Group{engine: e}
	return e
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Dev reports whether development mode is on.
func (e *Engine) Dev() bool { return e.dev }

// Use appends global middleware, run for every request in attachment order.
func (e *Engine) Use(mws ...http.MiddlewareFunc) {
	e.mustBeIdle("Use")
	for _, mw := range mws {
		if mw == nil {
			panic(apperr.New(apperr.KindInvalidMiddleware, "nil global middleware"))
		}
	}
	e.mu.Lock()
	e.middleware = append(e.middleware, mws...)
	e.mu.Unlock()
}

// GET registers a GET route
func (e *Engine) GET(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodGet, path, h, mws...)
}

// POST registers a POST route
func (e *Engine) POST(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodPost, path, h, mws...)
}

// PUT registers a PUT route
func (e *Engine) PUT(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodPut, path, h, mws...)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodPatch, path, h, mws...)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodDelete, path, h, mws...)
}

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodOptions, path, h, mws...)
}

// HEAD registers a HEAD route
func (e *Engine) HEAD(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(stdhttp.MethodHead, path, h, mws...)
}

// Any registers h for every standard method.
func (e *Engine) Any(path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Any(path, h, mws...)
}

// Handle registers a route for an arbitrary method.
func (e *Engine) Handle(method, path string, h http.HandlerFunc, mws ...http.MiddlewareFunc) {
	e.root.Handle(method, path, h, mws...)
}

// Group registers routes under prefix. fn receives the scoped surface.
func (e *Engine) Group(prefix string, fn func(g *Group)) *Group {
	return e.root.Group(prefix, fn)
}

// Hook registers fn at the named hook point.
func (e *Engine) Hook(name hooks.Name, fn hooks.Func) {
	e.mustBeIdle("Hook")
	if err := e.hooks.Register(name, fn); err != nil {
		panic(err)
	}
}

// OnError replaces the terminal error handler. The last call wins.
func (e *Engine) OnError(fn ErrorHandler) {
	e.mustBeIdle("OnError")
	if fn == nil {
		panic(apperr.New(apperr.KindInvalidMiddleware, "nil error handler"))
	}
	e.mu.Lock()
	e.onError = fn
	e.mu.Unlock()
}

// Fanout returns a handler merging producers with the engine's
// concurrency limit.
func (e *Engine) Fanout(producers ...fanout.Producer) http.HandlerFunc {
	return fanout.MergeLimit(e.fanoutLimit, producers...)
}

// Routes lists the registered routes in registration order.
func (e *Engine) Routes() []router.Route {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.router.Routes()
}

func (e *Engine) addRoute(method, pattern string, h http.HandlerFunc, mws []http.MiddlewareFunc) {
	e.mustBeIdle("route registration")
	if h == nil {
		panic(apperr.Newf(apperr.KindInvalidRoute, "nil handler for %s %s", method, pattern))
	}
	for _, mw := range mws {
		if mw == nil {
			panic(apperr.Newf(apperr.KindInvalidMiddleware, "nil middleware for %s %s", method, pattern))
		}
	}

	e.mu.Lock()
	err := e.router.Register(method, pattern, &route{handler: h, middleware: mws}, nil)
	e.mu.Unlock()
	if err != nil {
		panic(err)
	}
	e.logger.Debug("route registered", "method", method, "pattern", pattern, "middleware", len(mws))
}

func (e *Engine) mustBeIdle(op string) {
	if e.started.Load() {
		panic(apperr.Newf(apperr.KindInvalidRoute, "%s after the engine started serving", op))
	}
}

// ServeHTTP dispatches one request through the pipeline.
func (e *Engine) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	e.started.Store(true)
	e.stats.requests.Add(1)
	e.stats.inFlight.Add(1)
	defer e.stats.inFlight.Add(-1)

	c := http.NewContext(w, r, e.ids.Next(), e.logger)
	defer c.Release()

	abort := e.dispatch(c)
	if abort {
		e.stats.aborted.Add(1)
	}
	if !c.Response().Finished() {
		e.stats.unanswered.Add(1)
		c.Logger().Warn("request ended without a response", "method", c.Method(), "path", c.Path())
	}

	if c.Response().Finished() && e.hooks.Has(hooks.ResponseSent) {
		if err := e.hooks.Run(&hooks.Event{Name: hooks.ResponseSent, Ctx: c}); err != nil {
			c.Logger().Error("response-sent hook failed", "error", err)
		}
	}
	if abort {
		panic(stdhttp.ErrAbortHandler)
	}
}

// dispatch runs the chain and, on failure, the error pipeline. It reports
// whether the connection must be aborted.
func (e *Engine) dispatch(c *http.Context) bool {
	if e.hooks.Has(hooks.RequestReceived) {
		if err := e.hooks.Run(&hooks.Event{Name: hooks.RequestReceived, Ctx: c}); err != nil {
			return e.handleError(c, err)
		}
		if c.Response().Finished() {
			return false
		}
	}

	ch := pipeline.Chain{Global: e.middleware}
	if m, ok := e.router.Find(c.Method(), c.Path()); ok {
		c.SetParams(m.Params)
		c.Set(LocalRoute, m.Pattern)
		ch.Matched = true
		ch.Route = m.Value.middleware
		ch.Handler = m.Value.handler
		if e.hooks.Has(hooks.PreHandler) {
			ch.PreHandler = func(c *http.Context) error {
				return e.hooks.Run(&hooks.Event{Name: hooks.PreHandler, Ctx: c})
			}
		}
	} else {
		c.SetParams(nil)
	}

	res := pipeline.Run(c, &ch)
	if res.State == pipeline.Errored {
		return e.handleError(c, res.Err)
	}
	return false
}
