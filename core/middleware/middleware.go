// Package middleware holds the built-in middleware. Each one is usable on
// its own through its constructor or as a plugin loaded by name.
package middleware

import (
	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
)

// Plugin names.
const (
	NameRequestID     = "request-id"
	NameCORS          = "cors"
	NameBodyParser    = "body-parser"
	NameRateLimit     = "rate-limit"
	NameRequestLogger = "request-logger"
	NameMetrics       = "metrics"
)

// Plugins returns the built-in plugins keyed by name.
func Plugins() map[string]core.Plugin {
	return map[string]core.Plugin{
		NameRequestID:     RequestIDPlugin{},
		NameCORS:          CORSPlugin{},
		NameBodyParser:    BodyParserPlugin{},
		NameRateLimit:     RateLimitPlugin{},
		NameRequestLogger: RequestLoggerPlugin{},
		NameMetrics:       &MetricsPlugin{},
	}
}

// Load registers the built-in plugin called name with opts.
func Load(e *core.Engine, name string, opts config.Options) error {
	p, ok := Plugins()[name]
	if !ok {
		return unknownPlugin(name)
	}
	return e.Register(p, opts)
}
