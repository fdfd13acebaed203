package core

import (
	"context"
	"log/slog"
	"net"
	stdhttp "net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/hooks"
)

// server is the transport behind Serve.
type server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// Listen binds host:port and serves until Shutdown. Port 0 picks a free
// port; onListen (optional) receives the bound address after the
// server-listening hooks ran.
func (e *Engine) Listen(port int, host string, onListen func(addr net.Addr)) error {
	if port < 0 || port > 65535 {
		return apperr.Newf(apperr.KindInvalidPort, "invalid port %d", port)
	}
	ln, err := listen(context.Background(), net.JoinHostPort(host, strconv.Itoa(port)), e.reusePort)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	if e.reusePort && !reusePortSupported {
		e.logger.Warn("SO_REUSEPORT is not supported on this platform")
	}

	if e.hooks.Has(hooks.ServerListening) {
		if err := e.hooks.Run(&hooks.Event{Name: hooks.ServerListening, Addr: ln.Addr().String()}); err != nil {
			ln.Close()
			return errors.Wrap(err, "server-listening hook")
		}
	}
	if onListen != nil {
		onListen(ln.Addr())
	}
	return e.Serve(ln)
}

// Serve accepts connections on ln with the configured transport. It
// returns nil after a graceful Shutdown.
func (e *Engine) Serve(ln net.Listener) error {
	e.started.Store(true)

	srv := e.newServer()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ln.Close()
		return nil
	}
	if e.srv != nil {
		e.mu.Unlock()
		return errors.New("engine is already serving")
	}
	e.srv = srv
	e.addr = ln.Addr()
	e.mu.Unlock()

	e.logger.Info("server listening", "addr", ln.Addr().String(), "transport", e.transport, "h2c", e.h2c)
	if e.transport == "fasthttp" {
		e.logger.Warn("fasthttp transport buffers responses and does not report client disconnects")
	}

	err := srv.Serve(ln)
	if errors.Is(err, stdhttp.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Serve.
func (e *Engine) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.addr
}

// Shutdown stops accepting connections, waits for in-flight requests until
// ctx expires and unloads plugins. A later Serve returns immediately.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	srv := e.srv
	e.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if uerr := e.unloadPlugins(); err == nil {
		err = uerr
	}
	return err
}

func (e *Engine) newServer() server {
	if e.transport == "fasthttp" {
		return &fastServer{srv: &fasthttp.Server{
			Handler:      fasthttpadaptor.NewFastHTTPHandler(recoverAbort(e)),
			Name:         "nimble",
			ReadTimeout:  e.readTimeout,
			WriteTimeout: e.writeTimeout,
			IdleTimeout:  e.idleTimeout,
		}}
	}

	var h stdhttp.Handler = e
	if e.h2c {
		h = h2c.NewHandler(e, &http2.Server{
			MaxConcurrentStreams: 250,
			MaxReadFrameSize:     1 << 20,
			IdleTimeout:          e.idleTimeout,
		})
	}
	return &stdhttp.Server{
		Handler:      h,
		ReadTimeout:  e.readTimeout,
		WriteTimeout: e.writeTimeout,
		IdleTimeout:  e.idleTimeout,
		ErrorLog:     slog.NewLogLogger(e.logger.Handler(), slog.LevelWarn),
	}
}

// recoverAbort swallows http.ErrAbortHandler, which net/http handles
// itself but fasthttp would let crash the process. The adaptor buffers the
// response, so nothing partial has reached the client.
func recoverAbort(h stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		defer func() {
			if p := recover(); p != nil && p != stdhttp.ErrAbortHandler {
				panic(p)
			}
		}()
		h.ServeHTTP(w, r)
	})
}

// fastServer adapts fasthttp.Server, whose Shutdown takes no context.
type fastServer struct {
	srv *fasthttp.Server
}

func (s *fastServer) Serve(ln net.Listener) error { return s.srv.Serve(ln) }

func (s *fastServer) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
