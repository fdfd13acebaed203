package http

import (
	"log/slog"
	stdhttp "net/http"
	"os"
	"strconv"
	"sync"

	"github.com/searchktools/nimble/core/apperr"
	"github.com/searchktools/nimble/core/codec"
	"github.com/searchktools/nimble/core/sendfile"
)

const (
	MIMETextPlain   = "text/plain; charset=utf-8"
	MIMEOctetStream = "application/octet-stream"
)

// Response owns the in-flight response of one request.
//
// At most one terminal operation (JSON, String, Data, Send, SendStatus,
// End, Redirect, SendFile, Stream) succeeds. The finished flag is checked
// and set under mu and the write happens while mu is held, so a concurrent
// second send or Close observes a consistent state.
type Response struct {
	mu     sync.Mutex
	w      stdhttp.ResponseWriter
	req    *stdhttp.Request
	logger *slog.Logger

	status      int
	statusSet   bool
	headersSent bool
	finished    bool
	complete    bool
	closed      bool
	size        int64

	done chan struct{}
}

func newResponse(w stdhttp.ResponseWriter, r *stdhttp.Request, logger *slog.Logger) *Response {
	return &Response{
		w:      w,
		req:    r,
		logger: logger,
		status: stdhttp.StatusOK,
		done:   make(chan struct{}),
	}
}

// Status sets the status code used by the next terminal send.
func (r *Response) Status(code int) *Response {
	r.mu.Lock()
	if !r.headersSent {
		r.status = code
		r.statusSet = true
	}
	r.mu.Unlock()
	return r
}

// StatusCode returns the current (or sent) status code.
func (r *Response) StatusCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusSet reports whether a status was set explicitly.
func (r *Response) StatusSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusSet
}

// SetHeader replaces a response header. It is ignored once headers are sent.
func (r *Response) SetHeader(key, value string) *Response {
	r.mu.Lock()
	if !r.headersSent && !r.closed {
		r.w.Header().Set(key, value)
	}
	r.mu.Unlock()
	return r
}

// AddHeader appends a response header value.
func (r *Response) AddHeader(key, value string) *Response {
	r.mu.Lock()
	if !r.headersSent && !r.closed {
		r.w.Header().Add(key, value)
	}
	r.mu.Unlock()
	return r
}

// GetHeader returns a response header, case-insensitively.
func (r *Response) GetHeader(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.Header().Get(key)
}

// Attachment marks the response as a download. With a filename it also
// presets Content-Type from the extension.
func (r *Response) Attachment(filename ...string) *Response {
	name := ""
	if len(filename) > 0 {
		name = filename[0]
	}
	r.SetHeader("Content-Disposition", sendfile.Disposition(name))
	if name != "" && r.GetHeader("Content-Type") == "" {
		r.SetHeader("Content-Type", sendfile.ContentType(name))
	}
	return r
}

// JSON encodes v and sends it with code; a zero code keeps the current
// status. proto.Message values are encoded with protojson. An encoding
// failure does not consume the response.
func (r *Response) JSON(code int, v any) error {
	c := codec.ForJSON(v)
	data, err := c.Encode(v)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "encode response")
	}
	return r.write("JSON", code, c.ContentType(), data, true)
}

// String sends s as text/plain.
func (r *Response) String(code int, s string) error {
	return r.write("String", code, MIMETextPlain, []byte(s), true)
}

// Data sends data with an explicit content type.
func (r *Response) Data(code int, contentType string, data []byte) error {
	return r.write("Data", code, contentType, data, true)
}

// Send sends v with the current status, inferring the content type unless
// one was set: strings are text, byte slices are octet streams, protobuf
// messages use the protobuf wire format and everything else is JSON.
func (r *Response) Send(v any) error {
	switch x := v.(type) {
	case nil:
		return r.write("Send", 0, "", nil, false)
	case string:
		return r.write("Send", 0, MIMETextPlain, []byte(x), false)
	case []byte:
		return r.write("Send", 0, MIMEOctetStream, x, false)
	default:
		c := codec.ForValue(x)
		data, err := c.Encode(x)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "encode response")
		}
		return r.write("Send", 0, c.ContentType(), data, false)
	}
}

// SendStatus sends code with its status text as body. Statuses that carry
// no body (1xx, 204, 304) go out with headers only.
func (r *Response) SendStatus(code int) error {
	return r.write("SendStatus", code, MIMETextPlain, []byte(stdhttp.StatusText(code)), true)
}

// End finishes the response with the current status and no body.
func (r *Response) End() error {
	return r.write("End", 0, "", nil, false)
}

// Redirect sends a redirect to url. The code defaults to 302.
func (r *Response) Redirect(url string, code ...int) error {
	status := stdhttp.StatusFound
	if len(code) > 0 && code[0] != 0 {
		status = code[0]
	}
	return r.Stream("Redirect", func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		stdhttp.Redirect(w, req, url, status)
	})
}

// SendFile streams the file at path. A missing file yields a NotFound
// error without consuming the response.
func (r *Response) SendFile(path string) error {
	f, err := sendfile.Open(path)
	if err != nil {
		if os.IsNotExist(err) || err == sendfile.ErrIsDirectory {
			return apperr.NotFound("")
		}
		return apperr.Wrap(err, apperr.KindInternal, "open file")
	}
	defer f.Close()

	return r.Stream("SendFile", func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		sendfile.Serve(w, req, f)
	})
}

// Stream hands the underlying writer to fn as the terminal operation. fn
// runs without the response lock, so it may call other Response methods.
// Inside fn the status is set through w.
func (r *Response) Stream(op string, fn func(w stdhttp.ResponseWriter, req *stdhttp.Request)) error {
	r.mu.Lock()
	if err := r.claim(op); err != nil {
		r.mu.Unlock()
		return err
	}
	rw := &recorder{ResponseWriter: r.w, status: r.status}
	r.mu.Unlock()

	completed := false
	defer func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.status = rw.status
		r.size = rw.size
		r.headersSent = r.headersSent || rw.wrote
		switch {
		case completed:
			r.markFinished()
		case !rw.wrote:
			// fn panicked before writing anything; the response is still usable.
			r.finished = false
		}
	}()
	fn(rw, r.req)
	if !rw.wrote {
		rw.WriteHeader(rw.status)
	}
	completed = true
	return nil
}

// Flushable reports whether the transport's writer can flush partial
// output. The fasthttp adaptor buffers the whole response and cannot.
func (r *Response) Flushable() bool {
	_, ok := r.w.(stdhttp.Flusher)
	return ok
}

// Finished reports whether a terminal send happened.
func (r *Response) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Done is closed when the response finishes.
func (r *Response) Done() <-chan struct{} { return r.done }

// HeadersSent reports whether the status line and headers were flushed.
func (r *Response) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersSent
}

// Partial reports whether headers went out but the terminal operation did
// not complete. Such a response cannot be corrected.
func (r *Response) Partial() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersSent && !r.complete
}

// Size returns the number of body bytes written.
func (r *Response) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Closed reports whether the response can no longer be written.
func (r *Response) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Abort marks the connection as gone. Later terminal sends are rejected.
func (r *Response) Abort() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.logger.Debug("response aborted", "finished", r.finished)
	}
	r.mu.Unlock()
}

// Close ends the response's lifetime. It is called when the transport
// reclaims the writer.
func (r *Response) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *Response) write(op string, code int, contentType string, body []byte, override bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claim(op); err != nil {
		return err
	}
	if code > 0 {
		r.status = code
		r.statusSet = true
	}

	h := r.w.Header()
	if !bodyAllowed(r.status) {
		body = nil
		h.Del("Content-Type")
		h.Del("Content-Length")
	} else {
		if contentType != "" && (override || h.Get("Content-Type") == "") {
			h.Set("Content-Type", contentType)
		}
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	r.w.WriteHeader(r.status)
	r.headersSent = true
	defer r.markFinished()

	if len(body) == 0 {
		return nil
	}
	n, err := r.w.Write(body)
	r.size = int64(n)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "write response")
	}
	return nil
}

// bodyAllowed reports whether a response with status may carry a body.
func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == stdhttp.StatusNoContent, status == stdhttp.StatusNotModified:
		return false
	}
	return true
}

// claim must be called with mu held.
func (r *Response) claim(op string) error {
	if r.finished || r.closed {
		r.logger.Warn("terminal send ignored", "op", op, "finished", r.finished, "closed", r.closed)
		return apperr.AlreadyResponded(op)
	}
	r.finished = true
	return nil
}

func (r *Response) markFinished() {
	r.headersSent = true
	r.complete = true
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

type recorder struct {
	stdhttp.ResponseWriter
	status int
	wrote  bool
	size   int64
}

func (w *recorder) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *recorder) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(w.status)
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *recorder) Flush() {
	if f, ok := w.ResponseWriter.(stdhttp.Flusher); ok {
		if !w.wrote {
			w.WriteHeader(w.status)
		}
		f.Flush()
	}
}

func (w *recorder) Unwrap() stdhttp.ResponseWriter { return w.ResponseWriter }
