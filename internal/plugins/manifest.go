// Package plugins implements the manifest-driven plugin registry: discovery,
// dependency-ordered loading with lifecycle timeouts, and capability-gated
// contexts handed to plugin code.
package plugins

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Plugin targets.
const (
	TargetHost      = "host"
	TargetContainer = "container"
	TargetBoth      = "both"
)

// Capabilities a manifest may declare.
const (
	CapIPCRead       = "ipc:read"
	CapIPCWrite      = "ipc:write"
	CapFSRead        = "fs:read"
	CapFSWrite       = "fs:write"
	CapNetwork       = "network"
	CapShell         = "shell"
	CapMessagesRead  = "messages:read"
	CapMessagesWrite = "messages:write"
	CapTasksManage   = "tasks:manage"
	CapGroupsManage  = "groups:manage"
)

// Manifest is the parsed plugin.json.
type Manifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Target       string   `json:"target"`
	Capabilities []string `json:"capabilities"`
	Dependencies []string `json:"dependencies"`
	MainEntry    string   `json:"mainEntry"`
}

// HasCapability reports whether the manifest declares cap.
func (m *Manifest) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AppliesTo reports whether the manifest targets the given runtime.
func (m *Manifest) AppliesTo(runtime string) bool {
	return m.Target == runtime || m.Target == TargetBoth
}

const manifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "version", "target"],
	"properties": {
		"name": {"type": "string", "pattern": "^[a-z0-9-]+$"},
		"version": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"target": {"enum": ["host", "container", "both"]},
		"capabilities": {
			"type": "array",
			"items": {"enum": [
				"ipc:read", "ipc:write", "fs:read", "fs:write",
				"network", "shell", "messages:read", "messages:write",
				"tasks:manage", "groups:manage"
			]}
		},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"mainEntry": {"type": "string", "minLength": 1}
	},
	"additionalProperties": true
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("plugin-manifest.json", doc); err != nil {
			schemaErr = fmt.Errorf("add manifest schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("plugin-manifest.json")
	})
	return schema, schemaErr
}

// ParseManifest validates raw plugin.json bytes against the schema and
// returns the manifest with optional fields defaulted.
func ParseManifest(data []byte) (*Manifest, error) {
	sch, err := manifestValidator()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Capabilities == nil {
		m.Capabilities = []string{}
	}
	if m.Dependencies == nil {
		m.Dependencies = []string{}
	}
	if m.MainEntry == "" {
		m.MainEntry = "index.ts"
	}
	return &m, nil
}

// Discovered pairs a valid manifest with its on-disk location.
type Discovered struct {
	Manifest *Manifest
	Dir      string
}

// Discover scans the given directories. Each subdirectory containing a
// plugin.json is a candidate; invalid manifests are skipped and reported
// through the warnings slice for the caller to log.
func Discover(dirs []string) (found []Discovered, warnings []string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				warnings = append(warnings, fmt.Sprintf("scan %s: %v", dir, err))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			pluginDir := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(filepath.Join(pluginDir, "plugin.json"))
			if err != nil {
				continue // not a plugin candidate
			}
			m, err := ParseManifest(data)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("plugin %s: %v", e.Name(), err))
				continue
			}
			found = append(found, Discovered{Manifest: m, Dir: pluginDir})
		}
	}
	return found, warnings
}

// entryPath resolves the manifest's mainEntry inside the plugin directory,
// rejecting path traversal, and verifies the file exists.
func entryPath(d Discovered) (string, error) {
	base, err := filepath.Abs(d.Dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(filepath.Join(base, d.Manifest.MainEntry))
	if err != nil {
		return "", err
	}
	if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes plugin directory", d.Manifest.MainEntry)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("entry %q: %w", d.Manifest.MainEntry, err)
	}
	return abs, nil
}
