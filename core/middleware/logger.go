package middleware

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/hooks"
)

// RequestLoggerPlugin logs one line per request through the request-received
// and response-sent hooks. Option: level (debug|info|warn|error).
type RequestLoggerPlugin struct{}

func (RequestLoggerPlugin) Name() string { return NameRequestLogger }

func (RequestLoggerPlugin) Load(e *core.Engine, opts config.Options) error {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(opts.GetString("level", "info"))); err != nil {
		return err
	}

	e.Hook(hooks.RequestReceived, func(ev *hooks.Event) error {
		ev.Ctx.Set(core.LocalRequestStart, time.Now())
		return nil
	})
	e.Hook(hooks.ResponseSent, func(ev *hooks.Event) error {
		c := ev.Ctx
		res := c.Response()
		attrs := []any{
			"method", c.Method(),
			"path", c.Path(),
			"status", res.StatusCode(),
			"size", humanize.Bytes(uint64(res.Size())),
			"ip", c.IP(),
		}
		if v, ok := c.Get(core.LocalRequestStart); ok {
			if start, ok := v.(time.Time); ok {
				attrs = append(attrs, "duration", time.Since(start))
			}
		}
		c.Logger().Log(c.Context(), level, "request", attrs...)
		return nil
	})
	return nil
}
