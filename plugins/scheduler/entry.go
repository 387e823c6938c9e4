// Package scheduler is the entry point for the task-scheduling plugin. The
// implementation is compiled into the binary; the plugin.json next to this
// file drives discovery, capability gating, and load order.
package scheduler

import (
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins/builtin"
)

func init() {
	plugins.RegisterBuiltin("scheduler", func() plugins.Plugin { return &builtin.SchedulerPlugin{} })
}
