package core

import (
	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/hooks"
	"github.com/searchktools/nimble/core/http"
)

// ErrorHandler is the terminal error handler. It must send exactly one
// response; returning an error triggers the hardcoded fallback.
type ErrorHandler func(err *apperr.Error, c *http.Context) error

// fallbackBody is sent when the error handler itself fails.
var fallbackBody = []byte(`{"error":{"message":"Internal Server Error","status":500,"code":"INTERNAL"}}`)

const mimeJSON = "application/json; charset=utf-8"

// handleError funnels a request failure into a single response. It reports
// whether the connection has to be aborted because a partial response
// cannot be corrected.
func (e *Engine) handleError(c *http.Context, raw error) bool {
	err := apperr.Normalize(raw)
	if err == nil {
		return false
	}
	log := c.Logger()
	res := c.Response()

	e.stats.errors.Add(1)
	if err.Kind == apperr.KindNotFound {
		e.stats.notFound.Add(1)
	}
	if err.Kind == apperr.KindAlreadyResponded {
		log.Warn("absorbed duplicate response", "error", err.Message)
		return false
	}

	if e.hooks.Has(hooks.ErrorObserved) {
		if herr := e.hooks.Run(&hooks.Event{Name: hooks.ErrorObserved, Ctx: c, Err: err}); herr != nil {
			log.Error("error-observed hook failed", "error", herr)
		}
	}

	switch {
	case res.Partial():
		log.Error("request failed after headers were sent; aborting connection", "error", err)
		return true
	case res.Finished():
		log.Warn("request failed after the response was sent", "error", err)
		return false
	case res.Closed():
		log.Debug("request failed after the client went away", "error", err)
		return false
	}

	if !(res.StatusSet() && res.StatusCode() >= 400) {
		res.Status(err.Status)
	}
	if err.Status >= 500 {
		log.Error("request failed", "status", err.Status, "error", err)
	} else {
		log.Debug("request failed", "status", err.Status, "error", err)
	}

	e.mu.RLock()
	handler := e.onError
	e.mu.RUnlock()

	herr := callErrorHandler(handler, err, c)
	if herr == nil {
		if !res.Finished() {
			if endErr := res.End(); endErr != nil {
				log.Warn("finalizing error response failed", "error", endErr)
			}
		}
		return res.Partial()
	}
	if apperr.IsKind(herr, apperr.KindAlreadyResponded) {
		return res.Partial()
	}

	log.Error("error handler failed", "error", herr)
	if res.Partial() {
		return true
	}
	if res.Finished() {
		return false
	}
	if ferr := res.Data(500, mimeJSON, fallbackBody); ferr != nil {
		log.Error("fallback error response failed", "error", ferr)
		return res.HeadersSent()
	}
	return false
}

func callErrorHandler(h ErrorHandler, err *apperr.Error, c *http.Context) (out error) {
	defer func() {
		if p := recover(); p != nil {
			out = apperr.FromPanic(p)
		}
	}()
	return h(err, c)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// defaultErrorHandler writes {"error":{"message","status","code"}}. The
// stack is included only in development mode.
func (e *Engine) defaultErrorHandler(err *apperr.Error, c *http.Context) error {
	res := c.Response()
	body := errorBody{Error: errorDetail{
		Message: err.Message,
		Status:  res.StatusCode(),
		Code:    err.ErrorCode(),
	}}
	if e.dev {
		body.Error.Stack = err.Stack()
	}
	return res.JSON(0, body)
}
