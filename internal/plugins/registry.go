package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// Lifecycle timeouts.
const (
	loadTimeout   = 30 * time.Second
	unloadTimeout = 10 * time.Second
)

// Loaded is one successfully loaded plugin with its manifest attached.
type Loaded struct {
	Manifest *Manifest
	Instance Plugin
	Context  *Context
}

// Registry owns plugin instances and their lifecycles for one runtime
// (host or container).
type Registry struct {
	runtime  string
	logger   *slog.Logger
	eventBus *bus.Bus
	config   map[string]any
	services Services

	mu      sync.RWMutex
	plugins map[string]*Loaded
	order   []string // load order
}

// NewRegistry creates a registry for the given runtime target.
func NewRegistry(runtime string, logger *slog.Logger, eventBus *bus.Bus, config map[string]any, services Services) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runtime:  runtime,
		logger:   logger,
		eventBus: eventBus,
		config:   config,
		services: services,
		plugins:  make(map[string]*Loaded),
	}
}

// LoadFrom discovers plugins in dirs and loads the ones targeting this
// runtime, in dependency order. Invalid manifests are warned and skipped;
// a dependency cycle aborts the whole batch before anything loads.
func (r *Registry) LoadFrom(ctx context.Context, dirs []string) error {
	found, warnings := Discover(dirs)
	for _, w := range warnings {
		r.logger.Warn("plugin discovery", "warning", w)
	}

	// Target filter + duplicate-name rejection (first wins).
	seen := make(map[string]bool)
	var batch []Discovered
	for _, d := range found {
		if !d.Manifest.AppliesTo(r.runtime) {
			continue
		}
		if seen[d.Manifest.Name] {
			r.logger.Warn("duplicate plugin name, skipping later copy", "plugin", d.Manifest.Name, "dir", d.Dir)
			continue
		}
		seen[d.Manifest.Name] = true
		batch = append(batch, d)
	}

	sorted, err := topoSort(batch)
	if err != nil {
		return fmt.Errorf("plugin load aborted: %w", err)
	}

	for _, d := range sorted {
		if err := r.load(ctx, d); err != nil {
			r.logger.Warn("plugin load failed", "plugin", d.Manifest.Name, "error", err)
		}
	}
	return nil
}

// load brings up one plugin: entry checks, factory lookup, context build,
// OnLoad with hard timeout, bookkeeping, event.
func (r *Registry) load(ctx context.Context, d Discovered) error {
	m := d.Manifest

	if _, err := entryPath(d); err != nil {
		return err
	}

	factory, err := builtinFactory(m.Name)
	if err != nil {
		return err
	}
	instance := factory()

	pc := NewContext(m, r.logger, r.eventBus, r.config, r.services)

	if loader, ok := instance.(Loader); ok {
		if err := runWithTimeout(ctx, loadTimeout, func(tctx context.Context) error {
			return loader.OnLoad(tctx, pc)
		}); err != nil {
			return fmt.Errorf("onLoad: %w", err)
		}
	}

	r.mu.Lock()
	r.plugins[m.Name] = &Loaded{Manifest: m, Instance: instance, Context: pc}
	r.order = append(r.order, m.Name)
	r.mu.Unlock()

	r.logger.Info("plugin loaded", "plugin", m.Name, "version", m.Version, "target", m.Target)
	if r.eventBus != nil {
		r.eventBus.Emit(ctx, bus.EventPluginLoaded, bus.PluginEvent{Name: m.Name, Version: m.Version})
	}
	return nil
}

// UnloadAll tears plugins down in reverse load order. Failures and timeouts
// are logged and do not stop the remaining unloads.
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		r.mu.Lock()
		lp := r.plugins[name]
		delete(r.plugins, name)
		r.mu.Unlock()
		if lp == nil {
			continue
		}

		if unloader, ok := lp.Instance.(Unloader); ok {
			if err := runWithTimeout(ctx, unloadTimeout, unloader.OnUnload); err != nil {
				r.logger.Warn("plugin unload failed", "plugin", name, "error", err)
			}
		}
		r.logger.Info("plugin unloaded", "plugin", name)
		if r.eventBus != nil {
			r.eventBus.Emit(ctx, bus.EventPluginUnloaded, bus.PluginEvent{Name: name, Version: lp.Manifest.Version})
		}
	}

	r.mu.Lock()
	r.order = nil
	r.mu.Unlock()
}

// Get returns a loaded plugin by name.
func (r *Registry) Get(name string) (*Loaded, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.plugins[name]
	return lp, ok
}

// All returns loaded plugins in load order.
func (r *Registry) All() []*Loaded {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loaded, 0, len(r.order))
	for _, name := range r.order {
		if lp, ok := r.plugins[name]; ok {
			out = append(out, lp)
		}
	}
	return out
}

// ToolPlugins returns loaded plugins that declare at least one tool.
func (r *Registry) ToolPlugins() []*Loaded {
	var out []*Loaded
	for _, lp := range r.All() {
		if len(lp.Instance.Tools()) > 0 {
			out = append(out, lp)
		}
	}
	return out
}

// runWithTimeout runs fn under a deadline. The fn goroutine is abandoned on
// timeout; fn must honor its context for prompt teardown.
func runWithTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- fn(tctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-tctx.Done():
		return fmt.Errorf("timed out after %s", d)
	}
}
