package sse

import (
	"bufio"
	"context"
	"net"
	stdhttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

var httpClient = &stdhttp.Client{Transport: &stdhttp.Transport{DisableKeepAlives: true}}

// startEngine serves e on a free port until the test ends.
func startEngine(t *testing.T, e *core.Engine) string {
	t.Helper()
	bound := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- e.Listen(0, "127.0.0.1", func(addr net.Addr) { bound <- addr })
	}()
	select {
	case addr := <-bound:
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.Shutdown(ctx); err != nil {
				t.Errorf("shutdown: %v", err)
			}
			<-done
		})
		return "http://" + addr.String()
	case err := <-done:
		t.Fatalf("listen: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	return ""
}

type plainWriter struct {
	stdhttp.ResponseWriter
}

func TestEventFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"full", Event{ID: "123", Event: "message", Data: "Hello, World!", Retry: 5000},
			"id: 123\nevent: message\nretry: 5000\ndata: Hello, World!\n\n"},
		{"data only", Event{Data: "x"}, "data: x\n\n"},
		{"multiline", Event{Data: "a\nb"}, "data: a\ndata: b\n\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(tt.ev.Format()); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBrokerSubscribe(t *testing.T) {
	b := NewBroker(1, 1)
	c, err := b.Subscribe("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("b"); err == nil {
		t.Error("expected max clients error")
	}

	b.Publish(&Event{Data: "one"})
	b.Publish(&Event{Data: "two"})
	if s := b.Stats(); s.Published != 2 || s.Dropped != 1 {
		t.Errorf("stats = %+v", s)
	}
	if ev := <-c.events; ev.Data != "one" || ev.ID != "1" {
		t.Errorf("event = %+v", ev)
	}

	b.Unsubscribe(c)
	if b.ClientCount() != 0 {
		t.Error("client not removed")
	}
	if b.PublishTo("a", &Event{Data: "x"}) {
		t.Error("publish to removed client succeeded")
	}

	b.Close()
	if _, err := b.Subscribe("c"); apperr.Normalize(err).Status != 503 {
		t.Errorf("subscribe after close: %v", err)
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	b := NewBroker(10, 10)
	h := Handler(b, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	c := http.NewContext(rec, req, 7, nil)
	defer c.Release()

	done := make(chan error, 1)
	go func() { done <- h(c) }()

	deadline := time.Now().Add(5 * time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never subscribed")
		}
		time.Sleep(time.Millisecond)
	}
	b.mu.RLock()
	client := b.clients["7"]
	b.mu.RUnlock()

	b.Publish(&Event{Event: "update", Data: "hello"})
	if !b.PublishTo("7", &Event{Data: "just you"}) {
		t.Error("direct publish failed")
	}
	for len(client.events) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("events not consumed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("content type = %q", got)
	}
	body := rec.Body.String()
	for _, want := range []string{"event: connected\ndata: 7\n\n", "id: 1\nevent: update\ndata: hello\n\n", "data: just you\n\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	if !c.Response().Finished() || rec.Code != stdhttp.StatusOK {
		t.Errorf("finished = %v, code = %d", c.Response().Finished(), rec.Code)
	}
	if b.ClientCount() != 0 {
		t.Error("client not unsubscribed")
	}
}

func TestHandlerEndsOnBrokerClose(t *testing.T) {
	b := NewBroker(10, 10)
	req := httptest.NewRequest("GET", "/events", nil)
	c := http.NewContext(httptest.NewRecorder(), req, 1, nil)
	defer c.Release()

	done := make(chan error, 1)
	go func() { done <- Handler(b, 0)(c) }()
	for b.ClientCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end")
	}
}

func TestHandlerOutlivesWriteTimeout(t *testing.T) {
	b := NewBroker(10, 20)
	defer b.Close()
	e := core.NewEngine(core.WithTimeouts(5*time.Second, 300*time.Millisecond, 5*time.Second))
	e.GET("/events", Handler(b, time.Hour))
	base := startEngine(t, e)

	resp, err := httpClient.Get(base + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	go func() {
		for b.ClientCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < 10; i++ {
			b.Publish(&Event{Data: strconv.Itoa(i)})
			time.Sleep(100 * time.Millisecond)
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	got := 0
	for got < 10 && sc.Scan() {
		if strings.HasPrefix(sc.Text(), "id: ") {
			got++
		}
	}
	if got != 10 {
		t.Errorf("received %d of 10 events, scan err = %v", got, sc.Err())
	}
}

func TestHandlerNeedsFlushingTransport(t *testing.T) {
	b := NewBroker(10, 10)
	defer b.Close()

	e := core.NewEngine(core.WithTransport("fasthttp"))
	e.GET("/events", Handler(b, time.Hour))
	base := startEngine(t, e)

	resp, err := httpClient.Get(base + "/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != stdhttp.StatusNotImplemented {
		t.Errorf("fasthttp status = %d", resp.StatusCode)
	}

	req := httptest.NewRequest("GET", "/events", nil)
	c := http.NewContext(plainWriter{httptest.NewRecorder()}, req, 1, nil)
	defer c.Release()
	if err := Handler(b, 0)(c); apperr.Normalize(err).Status != stdhttp.StatusNotImplemented {
		t.Errorf("plain writer err = %v", err)
	}
	if b.ClientCount() != 0 {
		t.Error("no client should subscribe without a flushing writer")
	}
}
