// Package groups is the entry point for the chat-registration plugin. The
// implementation is compiled into the binary; the plugin.json next to this
// file drives discovery, capability gating, and load order.
package groups

import (
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins/builtin"
)

func init() {
	plugins.RegisterBuiltin("groups", func() plugins.Plugin { return &builtin.GroupsPlugin{} })
}
