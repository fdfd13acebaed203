package http

import (
	"context"
	"io"
	"log/slog"
	stdhttp "net/http"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/codec"
)

// Context is the per-request state shared by every step of a chain.
//
// Identity and URL parts are fixed at construction. Params are set once by
// the router before the chain starts; the parsed body is set at most once.
type Context struct {
	id     uint64
	req    *stdhttp.Request
	res    *Response
	logger *slog.Logger

	query Query

	params    map[string]string
	paramsSet bool

	body    any
	bodySet bool

	raw     []byte
	rawRead bool
	rawErr  error

	mu     sync.Mutex
	locals map[string]any

	stopAbort func() bool
}

// NewContext builds the context for one request. The response is aborted
// when the request's context is canceled, which net/http does when the
// client goes away.
func NewContext(w stdhttp.ResponseWriter, r *stdhttp.Request, id uint64, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", id)
	c := &Context{
		id:     id,
		req:    r,
		logger: logger,
		query:  ParseQuery(r.URL.RawQuery),
	}
	c.res = newResponse(w, r, logger)
	c.stopAbort = context.AfterFunc(r.Context(), c.res.Abort)
	return c
}

// Release ends the context's lifetime. Later terminal sends are rejected.
func (c *Context) Release() {
	if c.stopAbort != nil {
		c.stopAbort()
	}
	c.res.Close()
}

// ID returns the request id.
func (c *Context) ID() uint64 { return c.id }

// Method returns the HTTP method.
func (c *Context) Method() string { return c.req.Method }

// RawTarget returns the request target as received, query included.
func (c *Context) RawTarget() string {
	if c.req.RequestURI != "" {
		return c.req.RequestURI
	}
	return c.req.URL.RequestURI()
}

// Path returns the decoded path without the query string.
func (c *Context) Path() string {
	if c.req.URL.Path == "" {
		return "/"
	}
	return c.req.URL.Path
}

// Query returns the first value for key.
func (c *Context) Query(key string) string { return c.query.Get(key) }

// QueryAll returns every value for key in order.
func (c *Context) QueryAll(key string) []string { return c.query[key] }

// QueryMap returns the query as a mapping of key to string, or to []string
// for repeated keys.
func (c *Context) QueryMap() map[string]any { return c.query.Map() }

// Param returns a path parameter.
func (c *Context) Param(key string) string { return c.params[key] }

// Params returns a copy of the path parameters.
func (c *Context) Params() map[string]string {
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// SetParams installs the router's captures. Only the first call has effect.
func (c *Context) SetParams(params map[string]string) {
	if c.paramsSet {
		c.logger.Warn("params already set")
		return
	}
	c.params = params
	c.paramsSet = true
}

// Header returns a request header.
func (c *Context) Header(key string) string { return c.req.Header.Get(key) }

// Body returns the parsed body, or nil when no parser ran.
func (c *Context) Body() any { return c.body }

// BodyParsed reports whether a parser has set the body.
func (c *Context) BodyParsed() bool { return c.bodySet }

// SetBody stores the parsed body. It fails if a body was already set.
func (c *Context) SetBody(v any) error {
	if c.bodySet {
		return apperr.New(apperr.KindInternal, "request body already parsed")
	}
	c.body = v
	c.bodySet = true
	return nil
}

// RawBody reads the request body once, up to limit bytes. A limit <= 0
// disables the check. Bodies over the limit fail with PayloadTooLarge.
func (c *Context) RawBody(limit int64) ([]byte, error) {
	if c.rawRead {
		return c.raw, c.rawErr
	}
	c.rawRead = true
	if c.req.Body == nil || c.req.Body == stdhttp.NoBody {
		return nil, nil
	}
	if limit > 0 && c.req.ContentLength > limit {
		c.rawErr = tooLarge(limit)
		return nil, c.rawErr
	}

	var rd io.Reader = c.req.Body
	if limit > 0 {
		rd = io.LimitReader(c.req.Body, limit+1)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		c.rawErr = apperr.Wrap(err, apperr.KindBadRequest, "read request body")
		return nil, c.rawErr
	}
	if limit > 0 && int64(len(data)) > limit {
		c.rawErr = tooLarge(limit)
		return nil, c.rawErr
	}
	c.raw = data
	return data, nil
}

// Bind decodes the request body into v with the codec matching the
// Content-Type. JSON bound to a proto message goes through protojson.
// Unknown content types fail with 415 and undecodable bodies with
// BadRequest.
func (c *Context) Bind(v any, limit int64) error {
	cd, err := codec.ForContentType(c.Header("Content-Type"))
	if err != nil {
		return apperr.WithStatus(stdhttp.StatusUnsupportedMediaType, "unsupported Content-Type "+c.Header("Content-Type"))
	}
	if cd.Name() == codec.JSON().Name() {
		cd = codec.ForJSON(v)
	}
	data, err := c.RawBody(limit)
	if err != nil {
		return err
	}
	if err := cd.Decode(data, v); err != nil {
		return apperr.Wrap(err, apperr.KindBadRequest, "malformed "+cd.Name()+" body")
	}
	return nil
}

func tooLarge(limit int64) error {
	return apperr.PayloadTooLarge("request body exceeds " + humanize.IBytes(uint64(limit)))
}

// Secure reports whether the client connected over TLS, directly or
// through a proxy that set X-Forwarded-Proto.
func (c *Context) Secure() bool {
	if c.req.TLS != nil {
		return true
	}
	return forwardedProto(c.req.Header) == "https"
}

// Protocol returns "https" or "http".
func (c *Context) Protocol() string {
	if c.Secure() {
		return "https"
	}
	return "http"
}

// Proto returns the HTTP version presented by the client, e.g. "HTTP/1.1".
func (c *Context) Proto() string { return c.req.Proto }

// IP returns the client address: the first X-Forwarded-For entry if
// present, else the transport peer.
func (c *Context) IP() string { return clientIP(c.req) }

// Host returns the target host.
func (c *Context) Host() string { return c.req.Host }

// Set stores a request-scoped value.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	if c.locals == nil {
		c.locals = make(map[string]any)
	}
	c.locals[key] = v
	c.mu.Unlock()
}

// Get returns a request-scoped value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.locals[key]
	return v, ok
}

// Context returns the request's context.Context.
func (c *Context) Context() context.Context { return c.req.Context() }

// Request returns the underlying request.
func (c *Context) Request() *stdhttp.Request { return c.req }

// Logger returns the request logger, tagged with the request id.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Response returns the response owned by this request.
func (c *Context) Response() *Response { return c.res }

// Shorthands for the most common response calls.

func (c *Context) JSON(code int, v any) error     { return c.res.JSON(code, v) }
func (c *Context) String(code int, s string) error { return c.res.String(code, s) }
func (c *Context) Send(v any) error               { return c.res.Send(v) }
func (c *Context) Status(code int) *Response      { return c.res.Status(code) }
