package core

// HTTP header constants
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderRequestID     = "X-Request-ID"
	HeaderForwardedFor  = "X-Forwarded-For"
	HeaderRetryAfter    = "Retry-After"
	HeaderOrigin        = "Origin"
	HeaderVary          = "Vary"
)

// Context keys set by the built-in middleware.
const (
	LocalRequestStart = "nimble.request_start"
	LocalRequestID    = "nimble.request_id"
	LocalRoute        = "nimble.route"
)
