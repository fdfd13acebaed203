package app

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core"
	"github.com/searchktools/nimble/core/logging"
	"github.com/searchktools/nimble/core/middleware"
)

// App wires configuration, logger and engine together and owns the process
// lifecycle.
type App struct {
	cfg    *config.Config
	engine *core.Engine
	logger *slog.Logger
}

// New creates an application instance: it builds the logger and the engine
// from cfg and loads the built-in plugins cfg enables.
func New(cfg *config.Config) (*App, error) {
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Sink:   cfg.Logging.Sink,
	})
	engine := core.NewEngine(
		core.WithLogger(logger),
		core.WithDev(cfg.IsDev()),
		core.WithIgnoreTrailingSlash(cfg.Server.IgnoreTrailingSlash),
		core.WithFanoutLimit(cfg.Server.FanoutLimit),
		core.WithTransport(cfg.Server.Transport),
		core.WithH2C(cfg.Server.H2C),
		core.WithReusePort(cfg.Server.ReusePort),
		core.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout),
	)
	a := NewWithEngine(cfg, engine)
	if err := a.loadPlugins(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewWithEngine creates an application instance with a pre-configured engine
func NewWithEngine(cfg *config.Config, engine *core.Engine) *App {
	return &App{
		cfg:    cfg,
		engine: engine,
		logger: engine.Logger(),
	}
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// builtin is the load order of the configurable built-in plugins.
var builtin = []string{
	middleware.NameRequestID,
	middleware.NameRequestLogger,
	middleware.NameMetrics,
	middleware.NameCORS,
	middleware.NameRateLimit,
	middleware.NameBodyParser,
}

func (a *App) loadPlugins() error {
	m := a.cfg.Middleware
	enabled := map[string]bool{
		middleware.NameRequestID:     m.RequestID,
		middleware.NameRequestLogger: m.RequestLog,
		middleware.NameMetrics:       m.Metrics.Enabled,
		middleware.NameCORS:          m.CORS.Enabled,
		middleware.NameRateLimit:     m.RateLimit.Enabled,
		middleware.NameBodyParser:    m.BodyLimit > 0,
	}

	for _, name := range builtin {
		_, listed := a.cfg.Plugins[name]
		if !enabled[name] && !listed {
			continue
		}
		opts := a.pluginOptions(name)
		if err := middleware.Load(a.engine, name, opts); err != nil {
			return errors.Wrapf(err, "load plugin %s", name)
		}
	}
	return nil
}

// pluginOptions merges the typed middleware settings under the free-form
// plugins section, which wins.
func (a *App) pluginOptions(name string) config.Options {
	m := a.cfg.Middleware
	opts := config.Options{}
	switch name {
	case middleware.NameMetrics:
		opts["path"] = m.Metrics.Path
	case middleware.NameCORS:
		if len(m.CORS.AllowedOrigins) > 0 {
			opts["allowed_origins"] = m.CORS.AllowedOrigins
		}
	case middleware.NameRateLimit:
		opts["rps"] = m.RateLimit.RPS
		opts["burst"] = m.RateLimit.Burst
	case middleware.NameBodyParser:
		opts["limit"] = m.BodyLimit
	}
	for k, v := range a.cfg.PluginOptions(name) {
		opts[k] = v
	}
	return opts
}

// Run serves until SIGINT or SIGTERM and then shuts down gracefully.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is done, then drains in-flight requests for
// at most the configured shutdown timeout and unloads plugins.
func (a *App) RunContext(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- a.engine.Listen(a.cfg.Port, a.cfg.Host, func(addr net.Addr) {
			a.logger.Info("server started", "addr", addr.String(), "env", a.cfg.Env, "transport", a.cfg.Server.Transport)
		})
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", "timeout", a.cfg.ShutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.engine.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errc; err != nil {
		return err
	}
	a.logger.Info("server stopped", "stats", a.engine.Stats().String())
	return nil
}
