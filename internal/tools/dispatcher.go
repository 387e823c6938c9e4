// Package tools dispatches agent tool calls to plugin handlers. It runs
// inside the agent subprocess: tools never touch the network directly, so
// every host-affecting side effect goes through IPC drops the host audits.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
)

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the structured outcome of one tool invocation.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

func textResult(text string, isErr bool) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}, IsError: isErr}
}

// Spec describes a registered tool to the reply engine.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      any    `json:"inputSchema,omitempty"`
}

// Scope is the chat identity of one invocation.
type Scope struct {
	JID    string
	Folder string
	IsMain bool
}

type entry struct {
	tool   plugins.Tool
	pc     *plugins.Context
	plugin string
	schema *jsonschema.Schema // nil when the tool declares none
}

// Dispatcher holds the tool table built from the loaded plugins.
type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string
}

// New builds a dispatcher from every tool the registry's plugins expose.
// A duplicate tool name keeps the first registration and logs the loser;
// a tool with an invalid schema is skipped entirely.
func New(reg *plugins.Registry) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]entry)}
	for _, loaded := range reg.ToolPlugins() {
		for _, tool := range loaded.Instance.Tools() {
			if _, dup := d.tools[tool.Name]; dup {
				slog.Warn("tools: duplicate tool name, keeping first", "tool", tool.Name, "plugin", loaded.Manifest.Name)
				continue
			}
			var sch *jsonschema.Schema
			if len(tool.Schema) > 0 {
				var err error
				if sch, err = compileSchema(tool.Name, tool.Schema); err != nil {
					slog.Warn("tools: invalid argument schema, skipping tool", "tool", tool.Name, "plugin", loaded.Manifest.Name, "error", err)
					continue
				}
			}
			d.tools[tool.Name] = entry{tool: tool, pc: loaded.Context, plugin: loaded.Manifest.Name, schema: sch}
			d.order = append(d.order, tool.Name)
			slog.Debug("tools: registered", "tool", tool.Name, "plugin", loaded.Manifest.Name)
		}
	}
	return d
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	res := name + ".schema.json"
	if err := c.AddResource(res, doc); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return c.Compile(res)
}

// Specs lists the registered tools in registration order, for the engine's
// tool advertisement.
func (d *Dispatcher) Specs() []Spec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Spec, 0, len(d.order))
	for _, name := range d.order {
		e := d.tools[name]
		var schema any
		if len(e.tool.Schema) > 0 {
			schema = e.tool.Schema
		}
		out = append(out, Spec{Name: name, Description: e.tool.Description, Schema: schema})
	}
	return out
}

// Invoke validates the arguments and runs the named tool under the
// invocation's chat scope. All failure modes come back as an isError
// result; only the surrounding context can abort the call.
func (d *Dispatcher) Invoke(ctx context.Context, name string, scope Scope, args map[string]any) Result {
	d.mu.RLock()
	e, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return textResult(fmt.Sprintf("unknown tool %q", name), true)
	}

	if args == nil {
		args = map[string]any{}
	}
	if e.schema != nil {
		if err := e.schema.Validate(map[string]any(args)); err != nil {
			return textResult(fmt.Sprintf("invalid arguments for %s: %v", name, err), true)
		}
	}

	tc := &plugins.ToolContext{
		Context: e.pc,
		JID:     scope.JID,
		Folder:  scope.Folder,
		IsMain:  scope.IsMain,
	}

	text, err := invoke(ctx, e, tc, args)
	if err != nil {
		slog.Warn("tools: invocation failed", "tool", name, "plugin", e.plugin, "error", err)
		if text == "" {
			text = err.Error()
		}
		return textResult(text, true)
	}
	return textResult(text, false)
}

// invoke runs the handler with panic containment; a panicking tool must not
// take down the agent.
func invoke(ctx context.Context, e entry, tc *plugins.ToolContext, args map[string]any) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", e.tool.Name, r)
		}
	}()
	return e.tool.Handler(ctx, tc, args)
}
