package core

import (
	"github.com/searchktools/nimble/config"
	"github.com/searchktools/nimble/core/apperr"
)

// Plugin bundles registrations (middleware, routes, hooks) behind a name.
type Plugin interface {
	Name() string
	Load(e *Engine, opts config.Options) error
}

// Unloader is implemented by plugins holding resources. Unload runs on
// Shutdown, in reverse load order.
type Unloader interface {
	Unload(e *Engine) error
}

// Register loads p with opts. Loading a name twice is a logged no-op. A
// plugin that fails or panics while loading yields an InvalidPlugin error
// and its name is released, but routes, middleware and hooks it registered
// before failing stay in place. Callers treat a failed Register as fatal
// for the engine.
func (e *Engine) Register(p Plugin, opts config.Options) (err error) {
	if p == nil {
		return apperr.New(apperr.KindInvalidPlugin, "nil plugin")
	}
	name := p.Name()
	if name == "" {
		return apperr.New(apperr.KindInvalidPlugin, "plugin without a name")
	}
	if e.started.Load() {
		return apperr.Newf(apperr.KindInvalidPlugin, "plugin %q registered after the engine started serving", name)
	}

	e.mu.Lock()
	if _, dup := e.plugins[name]; dup {
		e.mu.Unlock()
		e.logger.Warn("plugin already loaded", "plugin", name)
		return nil
	}
	e.plugins[name] = p
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = apperr.Wrap(apperr.FromPanic(r), apperr.KindInvalidPlugin, "load plugin "+name)
		}
		if err != nil {
			e.mu.Lock()
			delete(e.plugins, name)
			e.mu.Unlock()
		}
	}()

	if opts == nil {
		opts = config.Options{}
	}
	if lerr := p.Load(e, opts); lerr != nil {
		return apperr.Wrap(lerr, apperr.KindInvalidPlugin, "load plugin "+name)
	}

	e.mu.Lock()
	e.loaded = append(e.loaded, p)
	e.mu.Unlock()
	e.logger.Debug("plugin loaded", "plugin", name)
	return nil
}

// Plugins returns the loaded plugin names in load order.
func (e *Engine) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.loaded))
	for i, p := range e.loaded {
		names[i] = p.Name()
	}
	return names
}

// unloadPlugins runs Unload on loaded plugins in reverse order. Failures
// are logged and the first one is returned.
func (e *Engine) unloadPlugins() error {
	e.mu.Lock()
	loaded := e.loaded
	e.loaded = nil
	e.mu.Unlock()

	var first error
	for i := len(loaded) - 1; i >= 0; i-- {
		u, ok := loaded[i].(Unloader)
		if !ok {
			continue
		}
		if err := u.Unload(e); err != nil {
			e.logger.Error("plugin unload failed", "plugin", loaded[i].Name(), "error", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
