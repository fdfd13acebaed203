package middleware

import (
	"strconv"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/http"
)

const maxRequestIDLen = 128

// RequestID echoes a well-formed inbound X-Request-ID or, without one, the
// engine-assigned request id. The value is also stored under
// core.LocalRequestID.
func RequestID() http.MiddlewareFunc {
	return func(c *http.Context, next http.Next) error {
		id := c.Header(core.HeaderRequestID)
		if !validRequestID(id) {
			id = strconv.FormatUint(c.ID(), 10)
		}
		c.Set(core.LocalRequestID, id)
		c.Response().SetHeader(core.HeaderRequestID, id)
		next(nil)
		return nil
	}
}

// validRequestID accepts printable ASCII without spaces.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// RequestIDPlugin installs RequestID as global middleware.
type RequestIDPlugin struct{}

func (RequestIDPlugin) Name() string { return NameRequestID }

func (RequestIDPlugin) Load(e *core.Engine, _ config.Options) error {
	e.Use(RequestID())
	return nil
}

func unknownPlugin(name string) error {
	return apperr.Newf(apperr.KindInvalidPlugin, "unknown plugin %q", name)
}
