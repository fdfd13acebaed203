package sse

import (
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

// DefaultKeepalive is the interval between keepalive comments.
const DefaultKeepalive = 30 * time.Second

// Handler streams broker events to the requesting client until it
// disconnects or the broker closes. The client id is the request id. The
// server write timeout is lifted for the stream. Transports that cannot
// flush get a 501.
func Handler(b *Broker, keepalive time.Duration) http.HandlerFunc {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	return func(c *http.Context) error {
		if !c.Response().Flushable() {
			return apperr.WithStatus(stdhttp.StatusNotImplemented, "event streams need a transport that flushes")
		}
		client, err := b.Subscribe(strconv.FormatUint(c.ID(), 10))
		if err != nil {
			return err
		}
		defer b.Unsubscribe(client)

		log := c.Logger()
		log.Debug("sse client connected", "client", client.ID, "last_event_id", c.Header("Last-Event-ID"))

		return c.Response().Stream("SSE", func(w stdhttp.ResponseWriter, _ *stdhttp.Request) {
			rc := stdhttp.NewResponseController(w)
			if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, stdhttp.ErrNotSupported) {
				log.Debug("sse write deadline not cleared", "client", client.ID, "error", err)
			}
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(stdhttp.StatusOK)

			flusher, _ := w.(stdhttp.Flusher)
			write := func(p []byte) bool {
				if _, err := w.Write(p); err != nil {
					log.Debug("sse write failed", "client", client.ID, "error", err)
					return false
				}
				if flusher != nil {
					flusher.Flush()
				}
				return true
			}

			connected := &Event{Event: "connected", Data: client.ID}
			if !write(connected.Format()) {
				return
			}

			ticker := time.NewTicker(keepalive)
			defer ticker.Stop()
			for {
				select {
				case ev := <-client.events:
					if !write(ev.Format()) {
						return
					}
				case <-ticker.C:
					if !write([]byte(": keepalive\n\n")) {
						return
					}
				case <-client.closed:
					return
				case <-b.done:
					return
				case <-c.Context().Done():
					return
				}
			}
		})
	}
}
