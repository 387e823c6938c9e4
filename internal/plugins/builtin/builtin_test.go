package builtin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"

	_ "github.com/nextlevelbuilder/nanoclaw/plugins/groups"
	_ "github.com/nextlevelbuilder/nanoclaw/plugins/messaging"
	_ "github.com/nextlevelbuilder/nanoclaw/plugins/scheduler"
)

const shippedDir = "../../../plugins"

// The shipped plugin directory must load as-is: valid manifests, entry files
// that exist on disk, and a registered factory per name.
func TestShippedPluginsLoad(t *testing.T) {
	reg := plugins.NewRegistry(plugins.TargetContainer, nil, nil, nil, plugins.Services{})
	if err := reg.LoadFrom(context.Background(), []string{shippedDir}); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	for _, name := range []string{"scheduler", "messaging", "groups"} {
		lp, ok := reg.Get(name)
		if !ok {
			t.Errorf("plugin %s not loaded", name)
			continue
		}
		if len(lp.Instance.Tools()) == 0 {
			t.Errorf("plugin %s declares no tools", name)
		}
		if lp.Manifest.MainEntry == "plugin.json" {
			t.Errorf("plugin %s manifest points at itself instead of an entry file", name)
		}
		entry := filepath.Join(shippedDir, name, lp.Manifest.MainEntry)
		if _, err := os.Stat(entry); err != nil {
			t.Errorf("plugin %s entry file missing: %v", name, err)
		}
	}
}
