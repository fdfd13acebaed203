// Package apperr defines the error taxonomy shared by the request pipeline.
//
// Every failure a request can produce (a returned error, a recovered panic, an
// explicit next(err) signal or a missing route) is normalized into an *Error
// before it reaches the error handler.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind classifies an Error.
type Kind uint8

const (
	KindInternal Kind = iota
	KindNotFound
	KindBadRequest
	KindPayloadTooLarge
	KindUnauthorized
	KindForbidden
	KindTooManyRequests

	// KindAlreadyResponded is internal: it is logged and absorbed, never
	// passed to the error handler.
	KindAlreadyResponded

	// Registration-time kinds. These are raised while the application is
	// being assembled and are never produced by a request.
	KindInvalidHook
	KindInvalidMiddleware
	KindInvalidRoute
	KindInvalidPlugin
	KindInvalidPort
)

var kindNames = [...]string{
	KindInternal:          "INTERNAL",
	KindNotFound:          "NOT_FOUND",
	KindBadRequest:        "BAD_REQUEST",
	KindPayloadTooLarge:   "PAYLOAD_TOO_LARGE",
	KindUnauthorized:      "UNAUTHORIZED",
	KindForbidden:         "FORBIDDEN",
	KindTooManyRequests:   "TOO_MANY_REQUESTS",
	KindAlreadyResponded:  "ALREADY_RESPONDED",
	KindInvalidHook:       "INVALID_HOOK",
	KindInvalidMiddleware: "INVALID_MIDDLEWARE",
	KindInvalidRoute:      "INVALID_ROUTE",
	KindInvalidPlugin:     "INVALID_PLUGIN",
	KindInvalidPort:       "INVALID_PORT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Status returns the default HTTP status for the kind.
func (k Kind) Status() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the normalized error carried through the error pipeline.
type Error struct {
	Kind    Kind
	Status  int
	Message string

	// Code is an optional application-defined code. When empty the kind
	// name is reported instead.
	Code string

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil && e.cause.Error() != e.Message {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.ErrNotFound) matches any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// StatusCode implements the interface Normalize looks for.
func (e *Error) StatusCode() int { return e.Status }

// ErrorCode returns Code, or the kind name when Code is empty.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

// WithCode returns a copy of e carrying code.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// Stack renders the captured stack trace of the underlying cause, if any.
func (e *Error) Stack() string {
	if e.cause == nil {
		return ""
	}
	return fmt.Sprintf("%+v", e.cause)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: "Not Found"}
	ErrAlreadyResponded = &Error{Kind: KindAlreadyResponded, Status: http.StatusInternalServerError, Message: "response already sent"}
)

// New returns an error of the given kind with its default status.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Status: kind.Status(), Message: msg, cause: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind and message to err. A nil err returns nil.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}
	if msg == "" {
		msg = err.Error()
	}
	return &Error{Kind: kind, Status: kind.Status(), Message: msg, cause: errors.WithStack(err)}
}

// WithStatus returns an application error with an explicit status. Statuses
// outside 400..599 are treated as 500.
func WithStatus(status int, msg string) *Error {
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	return &Error{Kind: kindForStatus(status), Status: status, Message: msg, cause: errors.New(msg)}
}

func NotFound(msg string) *Error        { return New(KindNotFound, orText(msg, http.StatusNotFound)) }
func BadRequest(msg string) *Error      { return New(KindBadRequest, orText(msg, http.StatusBadRequest)) }
func Unauthorized(msg string) *Error    { return New(KindUnauthorized, orText(msg, http.StatusUnauthorized)) }
func Forbidden(msg string) *Error       { return New(KindForbidden, orText(msg, http.StatusForbidden)) }
func TooManyRequests(msg string) *Error { return New(KindTooManyRequests, orText(msg, http.StatusTooManyRequests)) }
func Internal(msg string) *Error        { return New(KindInternal, orText(msg, http.StatusInternalServerError)) }

func PayloadTooLarge(msg string) *Error {
	return New(KindPayloadTooLarge, orText(msg, http.StatusRequestEntityTooLarge))
}

// AlreadyResponded reports a terminal send attempted on a finished response.
func AlreadyResponded(op string) *Error {
	return &Error{
		Kind:    KindAlreadyResponded,
		Status:  http.StatusInternalServerError,
		Message: op + ": response already sent",
	}
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

type statusCoder interface {
	StatusCode() int
}

// Normalize coerces v into an *Error.
//
//   - nil yields nil
//   - an *Error anywhere in the chain is returned as is
//   - an error exposing StatusCode() keeps that status
//   - any other error becomes KindInternal with the error text as message
//   - non-error values (recovered panics) become KindInternal
func Normalize(v any) *Error {
	switch x := v.(type) {
	case nil:
		return nil
	case *Error:
		if x == nil {
			return nil
		}
		return x
	case error:
		var e *Error
		if errors.As(x, &e) {
			return e
		}
		var sc statusCoder
		if errors.As(x, &sc) {
			st := sc.StatusCode()
			if st >= 400 && st <= 599 {
				return &Error{Kind: kindForStatus(st), Status: st, Message: x.Error(), cause: errors.WithStack(x)}
			}
		}
		return Wrap(x, KindInternal, x.Error())
	case string:
		return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: x, cause: errors.New(x)}
	default:
		msg := fmt.Sprintf("%v", x)
		return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msg, cause: errors.New(msg)}
	}
}

// FromPanic normalizes a recovered panic value. The stack is captured at the
// call site, which is still on the panicking goroutine when called from a
// deferred recover.
func FromPanic(p any) *Error {
	if err, ok := p.(error); ok {
		if e := Normalize(err); e.Kind != KindInternal {
			return e
		}
		return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: err.Error(), cause: errors.WithStack(err)}
	}
	msg := fmt.Sprintf("%v", p)
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: msg, cause: errors.New(msg)}
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusTooManyRequests:
		return KindTooManyRequests
	}
	if status >= 400 && status < 500 {
		return KindBadRequest
	}
	return KindInternal
}

func orText(msg string, status int) string {
	if msg != "" {
		return msg
	}
	return http.StatusText(status)
}
