package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Tool is one tool a plugin exposes to the agent. Schema is a JSON Schema
// for the tool's arguments; the dispatcher validates against it before
// invoking Handler.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     ToolHandler
}

// ToolContext extends the plugin context with the invocation's chat scope.
type ToolContext struct {
	*Context
	JID    string
	Folder string
	IsMain bool
}

// ToolHandler executes one tool invocation. Returning an error marks the
// result as isError; the text is still surfaced to the agent.
type ToolHandler func(ctx context.Context, tc *ToolContext, args map[string]any) (string, error)

// Plugin is the contract a plugin factory must produce.
type Plugin interface {
	// Tools returns the tools this plugin registers. May be empty.
	Tools() []Tool
}

// Loader is implemented by plugins that need startup work. OnLoad gets a
// 30s hard timeout; an error or timeout fails the load.
type Loader interface {
	OnLoad(ctx context.Context, pc *Context) error
}

// Unloader is implemented by plugins that need teardown. OnUnload gets 10s;
// an error or timeout is logged but does not stop unloading the rest.
type Unloader interface {
	OnUnload(ctx context.Context) error
}

// Factory constructs a plugin instance. Plugins are statically compiled into
// the binary and registered under their manifest name; the manifest on disk
// still drives discovery, validation, and capability gating.
type Factory func() Plugin

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Factory)
)

// RegisterBuiltin records a statically-compiled plugin factory under its
// manifest name. Typically called from the binary's startup path.
func RegisterBuiltin(name string, f Factory) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	builtins[name] = f
}

// builtinFactory looks up the factory for a manifest name.
func builtinFactory(name string) (Factory, error) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	f, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("no compiled plugin registered for %q", name)
	}
	return f, nil
}
