/*
Package nimble is a minimalist HTTP application framework.

A nimble application is an Engine holding a router, a middleware chain, a
lifecycle hook registry, a plugin registry and a single error pipeline.
Each request gets a Context carrying the parsed request facts and a
Response that accepts exactly one terminal send.

Features

  - Segment-trie router: static, :param and trailing * wildcard segments
    with static > param > wildcard precedence and backtracking
  - Middleware of the form func(c, next) error, run by an explicit state
    machine; next may be called later from another goroutine
  - Lifecycle hooks: request-received, pre-handler, response-sent,
    error-observed and server-listening
  - One error pipeline: every failure, panic or next(err) ends in the
    terminal error handler, with a hardcoded fallback when that fails
  - Concurrent fan-out of producers merged into one JSON response
  - Plugins and route groups with scoped middleware
  - net/http (optionally h2c) or fasthttp transports
  - Built-in request-id, CORS, body parser, rate limit, request logger and
    Prometheus metrics plugins

Quick Start

	package main

	import (
	    "os"

	    "github.com/searchktools/nimble/app"
	    "github.com/searchktools/nimble/config"
	    "github.com/searchktools/nimble/core/http"
	)

	func main() {
	    application, err := app.New(config.New())
	    if err != nil {
	        os.Exit(1)
	    }

	    engine := application.Engine()
	    engine.GET("/hello/:name", func(c *http.Context) error {
	        return c.String(200, "Hello, "+c.Param("name"))
	    })

	    if err := application.Run(); err != nil {
	        application.Logger().Error("server failed", "error", err)
	        os.Exit(1)
	    }
	}

Modules

  - app: Application lifecycle management
  - config: Configuration loading (flags, env, .env, YAML)
  - core: Engine, groups, plugins, error pipeline and transports
  - core/http: Request context and response
  - core/router: Routing
  - core/pipeline: Middleware chain executor
  - core/hooks: Lifecycle hook registry
  - core/fanout: Concurrent fan-out and merge
  - core/apperr: Error taxonomy and normalization
  - core/middleware: Built-in plugins
  - core/codec: JSON and protobuf response codecs
  - core/sendfile: File responses
  - core/logging: Structured logger construction
*/
package nimble
