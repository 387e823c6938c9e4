// Package messaging is the entry point for the messaging plugin. The
// implementation is compiled into the binary; the plugin.json next to this
// file drives discovery, capability gating, and load order.
package messaging

import (
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins/builtin"
)

func init() {
	plugins.RegisterBuiltin("messaging", func() plugins.Plugin { return &builtin.MessagingPlugin{} })
}
