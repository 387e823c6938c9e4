package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

type stubPlugin struct {
	tools    []Tool
	onLoad   func(ctx context.Context, pc *Context) error
	onUnload func(ctx context.Context) error
}

func (p *stubPlugin) Tools() []Tool { return p.tools }

func (p *stubPlugin) OnLoad(ctx context.Context, pc *Context) error {
	if p.onLoad != nil {
		return p.onLoad(ctx, pc)
	}
	return nil
}

func (p *stubPlugin) OnUnload(ctx context.Context) error {
	if p.onUnload != nil {
		return p.onUnload(ctx)
	}
	return nil
}

// writePlugin creates <root>/<name>/plugin.json plus the entry file.
func writePlugin(t *testing.T, root, name string, deps []string, caps []string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	depJSON := "[]"
	if len(deps) > 0 {
		depJSON = `["` + strings.Join(deps, `","`) + `"]`
	}
	capJSON := "[]"
	if len(caps) > 0 {
		capJSON = `["` + strings.Join(caps, `","`) + `"]`
	}
	manifest := fmt.Sprintf(`{
		"name": %q, "version": "1.0.0", "target": "both",
		"dependencies": %s, "capabilities": %s, "mainEntry": "index.ts"
	}`, name, depJSON, capJSON)
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.ts"), []byte("// entry"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(TargetHost, nil, bus.New(time.Second), nil, Services{})
}

func resetBuiltins() {
	builtinsMu.Lock()
	builtins = make(map[string]Factory)
	builtinsMu.Unlock()
}

func TestLoadOrderFollowsDependencies(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	writePlugin(t, root, "a", nil, nil)
	writePlugin(t, root, "b", []string{"a"}, nil)
	writePlugin(t, root, "c", []string{"b", "a"}, nil)

	var loaded []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		RegisterBuiltin(name, func() Plugin {
			return &stubPlugin{onLoad: func(ctx context.Context, pc *Context) error {
				loaded = append(loaded, name)
				return nil
			}}
		})
	}

	r := newRegistry(t)
	if err := r.LoadFrom(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(loaded) != 3 || loaded[0] != want[0] || loaded[1] != want[1] || loaded[2] != want[2] {
		t.Fatalf("load order = %v, want %v", loaded, want)
	}
}

func TestCycleAbortsWholeBatch(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	writePlugin(t, root, "a", []string{"c"}, nil)
	writePlugin(t, root, "b", []string{"a"}, nil)
	writePlugin(t, root, "c", []string{"b", "a"}, nil)
	writePlugin(t, root, "d", nil, nil)

	for _, name := range []string{"a", "b", "c", "d"} {
		RegisterBuiltin(name, func() Plugin { return &stubPlugin{} })
	}

	r := newRegistry(t)
	err := r.LoadFrom(context.Background(), []string{root})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("LoadFrom err = %v, want cycle error", err)
	}
	if got := len(r.All()); got != 0 {
		t.Fatalf("%d plugins loaded despite cycle, want 0", got)
	}
}

func TestUnknownDependencyIsSkipped(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	writePlugin(t, root, "a", []string{"some-external-package"}, nil)
	RegisterBuiltin("a", func() Plugin { return &stubPlugin{} })

	r := newRegistry(t)
	if err := r.LoadFrom(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if _, ok := r.Get("a"); !ok {
		t.Fatal("plugin with external dependency did not load")
	}
}

func TestEntryPathTraversalRejected(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	dir := filepath.Join(root, "sneaky")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name": "sneaky", "version": "1.0.0", "target": "both", "mainEntry": "../../etc/passwd"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	RegisterBuiltin("sneaky", func() Plugin { return &stubPlugin{} })

	r := newRegistry(t)
	if err := r.LoadFrom(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if _, ok := r.Get("sneaky"); ok {
		t.Fatal("plugin with traversing entry path was loaded")
	}
}

func TestInvalidManifestSkipped(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	dir := filepath.Join(root, "bad")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// Uppercase name violates the kebab-case pattern.
	manifest := `{"name": "BadName", "version": "1.0.0", "target": "both"}`
	if err := os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	writePlugin(t, root, "good", nil, nil)
	RegisterBuiltin("good", func() Plugin { return &stubPlugin{} })

	r := newRegistry(t)
	if err := r.LoadFrom(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if _, ok := r.Get("good"); !ok {
		t.Fatal("valid plugin did not load alongside invalid manifest")
	}
	if got := len(r.All()); got != 1 {
		t.Fatalf("loaded %d plugins, want 1", got)
	}
}

func TestRunWithTimeout(t *testing.T) {
	err := runWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}

	err = runWithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return errors.New("explicit failure")
	})
	if err == nil || err.Error() != "explicit failure" {
		t.Fatalf("err = %v, want explicit failure", err)
	}

	err = runWithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

func TestUnloadReverseOrderAndResilience(t *testing.T) {
	resetBuiltins()
	root := t.TempDir()
	writePlugin(t, root, "a", nil, nil)
	writePlugin(t, root, "b", []string{"a"}, nil)

	var unloaded []string
	RegisterBuiltin("a", func() Plugin {
		return &stubPlugin{onUnload: func(ctx context.Context) error {
			unloaded = append(unloaded, "a")
			return nil
		}}
	})
	RegisterBuiltin("b", func() Plugin {
		return &stubPlugin{onUnload: func(ctx context.Context) error {
			unloaded = append(unloaded, "b")
			return errors.New("unload failure is non-fatal")
		}}
	})

	r := newRegistry(t)
	if err := r.LoadFrom(context.Background(), []string{root}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	r.UnloadAll(context.Background())

	if len(unloaded) != 2 || unloaded[0] != "b" || unloaded[1] != "a" {
		t.Fatalf("unload order = %v, want [b a]", unloaded)
	}
	if got := len(r.All()); got != 0 {
		t.Fatalf("%d plugins still registered after UnloadAll", got)
	}
}

func TestCapabilityGating(t *testing.T) {
	m := &Manifest{Name: "p", Capabilities: []string{CapIPCRead}}
	var wrote bool
	live := Services{
		IPC: writeTracker{&wrote},
	}
	pc := NewContext(m, nil, bus.New(time.Second), nil, live)

	if err := pc.IPC.WriteFile("out/x.json", []byte("{}")); err == nil {
		t.Fatal("writeFile allowed without ipc:write")
	} else {
		if !errors.Is(err, ErrCapabilityDenied) {
			t.Fatalf("err = %v, want ErrCapabilityDenied", err)
		}
		if !strings.Contains(err.Error(), CapIPCWrite) {
			t.Fatalf("denial %q does not name required capability", err)
		}
	}
	if wrote {
		t.Fatal("underlying resource was touched despite denial")
	}

	if _, err := pc.IPC.ReadFile("in/x.json"); err != nil {
		t.Fatalf("readFile denied despite ipc:read: %v", err)
	}

	if err := pc.Messages.SendMessage(context.Background(), "web:main", "hi"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("messages stub err = %v, want ErrCapabilityDenied", err)
	}
	if _, err := pc.Tasks.List(context.Background(), "f"); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("tasks stub err = %v, want ErrCapabilityDenied", err)
	}
	if err := pc.Groups.Register(context.Background(), "j", "n", "f", ""); !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("groups stub err = %v, want ErrCapabilityDenied", err)
	}
}

// writeTracker flags any write reaching the underlying service.
type writeTracker struct{ wrote *bool }

func (w writeTracker) ReadFile(string) ([]byte, error)   { return []byte("{}"), nil }
func (w writeTracker) WriteFile(string, []byte) error    { *w.wrote = true; return nil }
func (w writeTracker) Drop(string, any) error            { *w.wrote = true; return nil }

func TestManifestDefaults(t *testing.T) {
	m, err := ParseManifest([]byte(`{"name": "speech", "version": "0.2.1", "target": "container"}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.MainEntry != "index.ts" {
		t.Errorf("MainEntry = %q, want index.ts", m.MainEntry)
	}
	if m.Capabilities == nil || m.Dependencies == nil {
		t.Error("optional slices not defaulted to empty")
	}

	if _, err := ParseManifest([]byte(`{"name": "x", "version": "1", "target": "orbit"}`)); err == nil {
		t.Error("invalid target accepted")
	}
	if _, err := ParseManifest([]byte(`{"version": "1", "target": "host"}`)); err == nil {
		t.Error("missing name accepted")
	}
}
