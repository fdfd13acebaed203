package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/hooks"
	"github.com/searchktools/nimble/core/http"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
		Code    string `json:"code"`
		Stack   string `json:"stack"`
	} `json:"error"`
}

func serve(e *Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *stdhttp.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var out errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectPanicKind(t *testing.T, kind apperr.Kind, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !apperr.IsKind(err, kind) {
			t.Fatalf("panic = %v, want %s", r, kind)
		}
	}()
	fn()
}

func TestEngineNotFound(t *testing.T) {
	e := NewEngine()
	rec := serve(e, "GET", "/nope", "")
	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Status != 404 || body.Error.Code != "NOT_FOUND" {
		t.Errorf("body = %+v", body)
	}
	if got := rec.Header().Get(HeaderContentType); !strings.HasPrefix(got, "application/json") {
		t.Errorf("content type = %q", got)
	}
	if s := e.Stats(); s.Requests != 1 || s.NotFound != 1 || s.Errors != 1 {
		t.Errorf("stats = %s", s)
	}
}

func TestEnginePanicBecomes500(t *testing.T) {
	e := NewEngine()
	e.GET("/boom", func(c *http.Context) error { panic("kaboom") })

	rec := serve(e, "GET", "/boom", "")
	if rec.Code != 500 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Error.Message != "kaboom" || body.Error.Code != "INTERNAL" {
		t.Errorf("body = %+v", body)
	}
	if body.Error.Stack != "" {
		t.Error("stack leaked outside development mode")
	}
}

func TestEngineDevStack(t *testing.T) {
	e := NewEngine(WithDev(true))
	e.GET("/boom", func(c *http.Context) error { return errors.New("broken") })

	body := decodeError(t, serve(e, "GET", "/boom", ""))
	if body.Error.Stack == "" {
		t.Error("dev mode should include the stack")
	}
}

func TestEngineParamsAndQuery(t *testing.T) {
	e := NewEngine()
	e.GET("/users/:id/files/*path", func(c *http.Context) error {
		return c.JSON(200, map[string]any{
			"id":   c.Param("id"),
			"path": c.Param("*"),
			"q":    c.Query("q"),
		})
	})

	rec := serve(e, "GET", "/users/42/files/a/b.txt?q=go", "")
	want := `{"id":"42","path":"a/b.txt","q":"go"}`
	if strings.TrimSpace(rec.Body.String()) != want {
		t.Errorf("body = %s, want %s", rec.Body.String(), want)
	}
}

func TestEngineMiddlewareOrder(t *testing.T) {
	var order []string
	mark := func(name string) http.MiddlewareFunc {
		return func(c *http.Context, next http.Next) error {
			order = append(order, name)
			next(nil)
			return nil
		}
	}

	e := NewEngine()
	e.Use(mark("global1"), mark("global2"))
	e.Group("/api/", func(g *Group) {
		g.Use(mark("group"))
		g.GET("/items/", func(c *http.Context) error {
			order = append(order, "handler")
			return c.String(200, "items")
		}, mark("route"))
	})

	rec := serve(e, "GET", "/api/items", "")
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	want := "global1,global2,group,route,handler"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestGroupNormalization(t *testing.T) {
	e := NewEngine()
	var inner *Group
	e.Group("/api/", func(g *Group) {
		inner = g.Group("/v1/", func(g *Group) {
			g.GET("/users/", func(c *http.Context) error { return c.String(200, "v1") })
		})
	})
	if inner.Prefix() != "/api/v1" {
		t.Errorf("prefix = %q", inner.Prefix())
	}

	routes := e.Routes()
	if len(routes) != 1 || routes[0].Pattern != "/api/v1/users" {
		t.Fatalf("routes = %+v", routes)
	}
	if rec := serve(e, "GET", "/api/v1/users", ""); rec.Body.String() != "v1" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGroupMiddlewareScope(t *testing.T) {
	e := NewEngine()
	deny := func(c *http.Context, next http.Next) error { return apperr.Forbidden("") }

	e.Group("/admin", func(g *Group) {
		g.Use(deny)
		g.GET("/panel", func(c *http.Context) error { return c.String(200, "panel") })
	})
	e.GET("/public", func(c *http.Context) error { return c.String(200, "public") })

	if rec := serve(e, "GET", "/admin/panel", ""); rec.Code != 403 {
		t.Errorf("admin status = %d", rec.Code)
	}
	if rec := serve(e, "GET", "/public", ""); rec.Code != 200 {
		t.Errorf("public status = %d", rec.Code)
	}
}

func TestEngineHandlerWithoutSend(t *testing.T) {
	e := NewEngine()
	e.DELETE("/items/:id", func(c *http.Context) error {
		c.Status(204)
		return nil
	})
	rec := serve(e, "DELETE", "/items/1", "")
	if rec.Code != 204 || rec.Body.Len() != 0 {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestEngineExplicitErrorStatusWins(t *testing.T) {
	e := NewEngine()
	e.GET("/teapot", func(c *http.Context) error {
		c.Status(418)
		return errors.New("short and stout")
	})
	e.GET("/ok-status", func(c *http.Context) error {
		c.Status(201)
		return apperr.BadRequest("bad input")
	})

	rec := serve(e, "GET", "/teapot", "")
	if rec.Code != 418 || decodeError(t, rec).Error.Status != 418 {
		t.Errorf("teapot = %d %s", rec.Code, rec.Body.String())
	}
	rec = serve(e, "GET", "/ok-status", "")
	if rec.Code != 400 {
		t.Errorf("non-error status should be replaced, got %d", rec.Code)
	}
}

func TestEngineStatusCoderError(t *testing.T) {
	e := NewEngine()
	e.GET("/gone", func(c *http.Context) error {
		return apperr.WithStatus(410, "gone for good")
	})
	rec := serve(e, "GET", "/gone", "")
	if rec.Code != 410 || decodeError(t, rec).Error.Message != "gone for good" {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestOnErrorCustomHandler(t *testing.T) {
	e := NewEngine()
	e.OnError(func(err *apperr.Error, c *http.Context) error {
		return c.String(0, "first")
	})
	e.OnError(func(err *apperr.Error, c *http.Context) error {
		return c.String(0, "custom: "+err.Message)
	})
	e.GET("/fail", func(c *http.Context) error { return apperr.Unauthorized("who are you") })

	rec := serve(e, "GET", "/fail", "")
	if rec.Code != 401 || rec.Body.String() != "custom: who are you" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestOnErrorHandlerFailureFallsBack(t *testing.T) {
	for name, handler := range map[string]ErrorHandler{
		"returns error": func(*apperr.Error, *http.Context) error { return errors.New("handler broke") },
		"panics":        func(*apperr.Error, *http.Context) error { panic("handler exploded") },
	} {
		t.Run(name, func(t *testing.T) {
			e := NewEngine()
			e.OnError(handler)
			e.GET("/", func(c *http.Context) error { return apperr.BadRequest("x") })

			rec := serve(e, "GET", "/", "")
			if rec.Code != 500 {
				t.Fatalf("status = %d", rec.Code)
			}
			if rec.Body.String() != string(fallbackBody) {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestStatusOnlySendOverNetwork(t *testing.T) {
	e := NewEngine()
	var observed atomic.Int32
	e.Hook(hooks.ErrorObserved, func(*hooks.Event) error { observed.Add(1); return nil })
	e.DELETE("/x", func(c *http.Context) error { return c.Response().SendStatus(204) })
	e.GET("/cached", func(c *http.Context) error { return c.Response().SendStatus(304) })
	e.PUT("/x", func(c *http.Context) error { return c.Status(204).End() })

	srv := httptest.NewServer(e)
	defer srv.Close()

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{"DELETE", "/x", 204},
		{"GET", "/cached", 304},
		{"PUT", "/x", 204},
	} {
		req, _ := stdhttp.NewRequest(tc.method, srv.URL+tc.path, nil)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, resp.StatusCode, tc.want)
		}
	}

	if s := e.Stats(); s.Errors != 0 || s.Requests != 3 {
		t.Errorf("stats = %+v", s)
	}
	if n := observed.Load(); n != 0 {
		t.Errorf("error hooks fired %d times", n)
	}
}

func TestErrorAfterPartialResponseAborts(t *testing.T) {
	e := NewEngine()
	e.GET("/stream", func(c *http.Context) error {
		c.Response().Stream("test", func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
			w.WriteHeader(200)
			w.Write([]byte("partial"))
			panic("mid-stream")
		})
		return nil
	})

	defer func() {
		if r := recover(); r != stdhttp.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", r)
		}
		if e.Stats().Aborted != 1 {
			t.Errorf("aborted = %d", e.Stats().Aborted)
		}
	}()
	serve(e, "GET", "/stream", "")
}

func TestErrorAfterResponseIsLoggedOnly(t *testing.T) {
	e := NewEngine()
	e.GET("/late", func(c *http.Context) error {
		c.String(200, "done")
		return errors.New("after the fact")
	})
	rec := serve(e, "GET", "/late", "")
	if rec.Code != 200 || rec.Body.String() != "done" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestDoubleSendIsAbsorbed(t *testing.T) {
	e := NewEngine()
	e.GET("/twice", func(c *http.Context) error {
		c.String(200, "one")
		return c.String(200, "two")
	})
	rec := serve(e, "GET", "/twice", "")
	if rec.Body.String() != "one" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if e.Stats().Errors != 1 {
		t.Errorf("errors = %d", e.Stats().Errors)
	}
}

func TestHooksLifecycle(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(s string) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	e := NewEngine()
	e.Hook(hooks.RequestReceived, func(ev *hooks.Event) error { record("received"); return nil })
	e.Hook(hooks.PreHandler, func(ev *hooks.Event) error { record("pre"); return nil })
	e.Hook(hooks.ErrorObserved, func(ev *hooks.Event) error { record("error:" + ev.Err.ErrorCode()); return nil })
	e.Hook(hooks.ResponseSent, func(ev *hooks.Event) error {
		record(fmt.Sprintf("sent:%d", ev.Ctx.Response().StatusCode()))
		return nil
	})
	e.Use(func(c *http.Context, next http.Next) error { record("mw"); next(nil); return nil })
	e.GET("/", func(c *http.Context) error { record("handler"); return c.String(200, "ok") })

	serve(e, "GET", "/", "")
	serve(e, "GET", "/missing", "")

	want := "received,mw,pre,handler,sent:200,received,mw,error:NOT_FOUND,sent:404"
	if got := strings.Join(seen, ","); got != want {
		t.Errorf("sequence = %s\nwant       %s", got, want)
	}
}

func TestRequestReceivedHookFailure(t *testing.T) {
	e := NewEngine()
	e.Hook(hooks.RequestReceived, func(ev *hooks.Event) error { return apperr.Unauthorized("") })
	called := false
	e.GET("/", func(c *http.Context) error { called = true; return nil })

	rec := serve(e, "GET", "/", "")
	if rec.Code != 401 || called {
		t.Errorf("status = %d, handler called = %v", rec.Code, called)
	}
}

func TestRegistrationErrors(t *testing.T) {
	e := NewEngine()
	expectPanicKind(t, apperr.KindInvalidRoute, func() { e.GET("/x", nil) })
	expectPanicKind(t, apperr.KindInvalidRoute, func() { e.GET("/a/*/b", func(*http.Context) error { return nil }) })
	expectPanicKind(t, apperr.KindInvalidMiddleware, func() { e.Use(nil) })
	expectPanicKind(t, apperr.KindInvalidMiddleware, func() {
		e.GET("/y", func(*http.Context) error { return nil }, nil)
	})
	expectPanicKind(t, apperr.KindInvalidHook, func() { e.Hook("on-whatever", func(*hooks.Event) error { return nil }) })

	e.GET("/dup", func(*http.Context) error { return nil })
	expectPanicKind(t, apperr.KindInvalidRoute, func() { e.GET("/dup", func(*http.Context) error { return nil }) })
}

func TestRegistrationAfterStartPanics(t *testing.T) {
	e := NewEngine()
	g := e.Group("/g", nil)
	e.GET("/", func(c *http.Context) error { return c.String(200, "ok") })
	serve(e, "GET", "/", "")

	expectPanicKind(t, apperr.KindInvalidRoute, func() {
		g.Use(func(c *http.Context, next http.Next) error { next(nil); return nil })
	})
	expectPanicKind(t, apperr.KindInvalidRoute, func() {
		e.GET("/late", func(*http.Context) error { return nil })
	})
	if err := e.Register(namedPlugin{name: "late"}, nil); !apperr.IsKind(err, apperr.KindInvalidPlugin) {
		t.Errorf("late plugin err = %v", err)
	}
}

type namedPlugin struct {
	name  string
	load  func(e *Engine, opts config.Options) error
	trace *[]string
}

func (p namedPlugin) Name() string { return p.name }

func (p namedPlugin) Load(e *Engine, opts config.Options) error {
	if p.load != nil {
		return p.load(e, opts)
	}
	return nil
}

func (p namedPlugin) Unload(*Engine) error {
	if p.trace != nil {
		*p.trace = append(*p.trace, p.name)
	}
	return nil
}

func TestPluginRegistration(t *testing.T) {
	e := NewEngine()
	loads := 0
	p := namedPlugin{name: "greeter", load: func(e *Engine, opts config.Options) error {
		loads++
		greeting := opts.GetString("greeting", "hello")
		e.GET("/greet", func(c *http.Context) error { return c.String(200, greeting) })
		return nil
	}}

	if err := e.Register(p, config.Options{"greeting": "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(p, nil); err != nil {
		t.Fatalf("duplicate load: %v", err)
	}
	if loads != 1 {
		t.Errorf("loaded %d times", loads)
	}
	if rec := serve(e, "GET", "/greet", ""); rec.Body.String() != "hi" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestPluginLoadFailures(t *testing.T) {
	tests := []struct {
		name string
		p    Plugin
	}{
		{"nil", nil},
		{"unnamed", namedPlugin{}},
		{"load error", namedPlugin{name: "bad", load: func(*Engine, config.Options) error { return errors.New("no config") }}},
		{"load panic", namedPlugin{name: "worse", load: func(*Engine, config.Options) error { panic("boom") }}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine()
			if err := e.Register(tt.p, nil); !apperr.IsKind(err, apperr.KindInvalidPlugin) {
				t.Errorf("err = %v", err)
			}
			if len(e.Plugins()) != 0 {
				t.Errorf("plugins = %v", e.Plugins())
			}
		})
	}
}

func TestFanoutThroughEngine(t *testing.T) {
	e := NewEngine(WithFanoutLimit(2))
	e.GET("/dash", e.Fanout(
		func(c *http.Context) (map[string]any, error) { return map[string]any{"a": 1, "shared": "first"}, nil },
		func(c *http.Context) (map[string]any, error) { return nil, errors.New("down") },
		func(c *http.Context) (map[string]any, error) { return map[string]any{"shared": "last"}, nil },
	))
	rec := serve(e, "GET", "/dash", "")
	if rec.Code != 200 || strings.TrimSpace(rec.Body.String()) != `{"a":1,"shared":"last"}` {
		t.Errorf("got %d %s", rec.Code, rec.Body.String())
	}
}

func TestListenInvalidPort(t *testing.T) {
	e := NewEngine()
	for _, port := range []int{-1, 65536} {
		if err := e.Listen(port, "127.0.0.1", nil); !apperr.IsKind(err, apperr.KindInvalidPort) {
			t.Errorf("port %d: err = %v", port, err)
		}
	}
}

func TestListenAndShutdown(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"net", nil},
		{"h2c", []Option{WithH2C(true)}},
		{"fasthttp", []Option{WithTransport("fasthttp")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var unloaded []string
			e := NewEngine(tc.opts...)
			e.GET("/ping", func(c *http.Context) error { return c.String(200, "pong") })
			for _, name := range []string{"first", "second"} {
				if err := e.Register(namedPlugin{name: name, trace: &unloaded}, nil); err != nil {
					t.Fatal(err)
				}
			}
			hookAddr := make(chan string, 1)
			e.Hook(hooks.ServerListening, func(ev *hooks.Event) error { hookAddr <- ev.Addr; return nil })

			bound := make(chan net.Addr, 1)
			done := make(chan error, 1)
			go func() {
				done <- e.Listen(0, "127.0.0.1", func(addr net.Addr) { bound <- addr })
			}()

			var addr net.Addr
			select {
			case addr = <-bound:
			case err := <-done:
				t.Fatalf("listen: %v", err)
			case <-time.After(5 * time.Second):
				t.Fatal("server did not start")
			}
			if got := <-hookAddr; got != addr.String() {
				t.Errorf("hook addr = %s, want %s", got, addr)
			}

			client := &stdhttp.Client{Transport: &stdhttp.Transport{DisableKeepAlives: true}}
			var resp *stdhttp.Response
			var err error
			for i := 0; i < 50; i++ {
				resp, err = client.Get("http://" + addr.String() + "/ping")
				if err == nil {
					break
				}
				time.Sleep(10 * time.Millisecond)
			}
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != 200 {
				t.Errorf("status = %d", resp.StatusCode)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.Shutdown(ctx); err != nil {
				t.Fatalf("shutdown: %v", err)
			}
			if err := <-done; err != nil {
				t.Errorf("listen returned %v", err)
			}
			if got := strings.Join(unloaded, ","); got != "second,first" {
				t.Errorf("unload order = %s", got)
			}
		})
	}
}

func BenchmarkEngineServeHTTP(b *testing.B) {
	e := NewEngine()
	e.Use(func(c *http.Context, next http.Next) error { next(nil); return nil })
	e.GET("/users/:id", func(c *http.Context) error { return c.String(200, c.Param("id")) })
	req := httptest.NewRequest("GET", "/users/42", nil)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.ServeHTTP(httptest.NewRecorder(), req)
	}
}
